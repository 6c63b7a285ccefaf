package a2a

import (
	"encoding/gob"
	"net/http"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/labstack/echo/v4"

	"github.com/normanking/agentcore/internal/logging"
)

// Path is where the JSON-RPC endpoint is mounted.
const Path = "/a2a"

func init() {
	// The task store copies artifacts and message data with gob; payloads carry
	// nested maps and slices.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]map[string]any{})
	gob.Register([]map[string]string{})
	gob.Register([]string{})
}

// CardConfig describes the agent.
type CardConfig struct {
	Name        string
	Description string
	Version     string

	// PublicURL is the externally reachable base URL; the JSON-RPC endpoint is
	// PublicURL + Path.
	PublicURL string
}

// skillInfo describes the built-in domains on the agent card.
var skillInfo = map[string]a2a.AgentSkill{
	"calculator": {
		Name:        "Calculator",
		Description: "Evaluate arithmetic expressions.",
		Tags:        []string{"math", "arithmetic"},
		Examples:    []string{"calculate 25 * 47", "what is 10 divided by 4"},
	},
	"conversation": {
		Name:        "Conversation",
		Description: "Greetings, help, status checks and farewells.",
		Tags:        []string{"chat", "help"},
		Examples:    []string{"hello", "what can you do"},
	},
	"clock": {
		Name:        "Clock",
		Description: "Current time and date.",
		Tags:        []string{"time", "date"},
		Examples:    []string{"what time is it", "what day is it"},
	},
	"files": {
		Name:        "Files",
		Description: "List, search and read files in the agent's files area.",
		Tags:        []string{"files", "filesystem"},
		Examples:    []string{"list files in notes", "find files named todo"},
	},
	"system": {
		Name:        "System info",
		Description: "Host and runtime information.",
		Tags:        []string{"system"},
		Examples:    []string{"system info"},
	},
	"web": {
		Name:        "Web search",
		Description: "Instant answers from the web.",
		Tags:        []string{"web", "search"},
		Examples:    []string{"search the web for golang generics"},
	},
}

// NewAgentCard builds the card advertising one skill per served domain.
func NewAgentCard(cfg CardConfig, domains []string) *a2a.AgentCard {
	if cfg.Name == "" {
		cfg.Name = "agentcore"
	}
	if cfg.Description == "" {
		cfg.Description = "Natural-language agent core: intent classification, sandboxed plugins, local-first model routing."
	}

	skills := make([]a2a.AgentSkill, 0, len(domains))
	for _, d := range domains {
		skill, ok := skillInfo[d]
		if !ok {
			skill = a2a.AgentSkill{Name: d, Description: "Requests for the " + d + " plugin.", Tags: []string{d}}
		}
		skill.ID = d
		skill.InputModes = []string{"text"}
		skill.OutputModes = []string{"text", "application/json"}
		skills = append(skills, skill)
	}

	return &a2a.AgentCard{
		Name:               cfg.Name,
		Description:        cfg.Description,
		Version:            cfg.Version,
		ProtocolVersion:    "0.3",
		URL:                strings.TrimRight(cfg.PublicURL, "/") + Path,
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		Capabilities: a2a.AgentCapabilities{
			Streaming: true,
		},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text", "application/json"},
		Skills:             skills,
	}
}

// Server serves the JSON-RPC endpoint and the agent card.
type Server struct {
	card  *a2a.AgentCard
	rpc   http.Handler
	cardH http.Handler
	log   *logging.Logger
}

// NewServer wires the pipeline into the A2A request handler.
func NewServer(p Processor, card *a2a.AgentCard) *Server {
	handler := a2asrv.NewHandler(NewExecutor(p))
	return &Server{
		card:  card,
		rpc:   a2asrv.NewJSONRPCHandler(handler),
		cardH: a2asrv.NewStaticAgentCardHandler(card),
		log:   logging.Global().WithComponent("a2a"),
	}
}

// Card returns the agent card.
func (s *Server) Card() *a2a.AgentCard { return s.card }

// Mount registers the A2A routes on e.
func (s *Server) Mount(e *echo.Echo) {
	e.POST(Path, echo.WrapHandler(s.rpc))
	e.POST(Path+"/", echo.WrapHandler(s.rpc))
	e.GET(a2asrv.WellKnownAgentCardPath, echo.WrapHandler(s.cardH))
	e.GET("/.well-known/agent.json", echo.WrapHandler(s.cardH))

	s.log.Info("[A2A] Agent: %s v%s, protocol %s, %d skills", s.card.Name, s.card.Version, s.card.ProtocolVersion, len(s.card.Skills))
	s.log.Info("[A2A] JSON-RPC: POST %s, card: GET %s", Path, a2asrv.WellKnownAgentCardPath)
}
