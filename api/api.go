// Package api 通过 HTTP 暴露资源管理器和注册表。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/journal"
	"github.com/TAnNbR/fleet/registry"
)

const (
	DefaultBasePath = "/v1"
	HealthPath      = "/health"
	MetricsPath     = "/metrics"
)

// ResourceManager 是 API 使用的资源管理器操作。
type ResourceManager interface {
	CreateActor(cfg fleet.ActorConfig) (fleet.AgentKey, error)
	CloseActor(key fleet.ActorKey) error
}

// Journal 是事件日志的只读视图。
type Journal interface {
	Tail(ctx context.Context, n int) ([]journal.Entry, error)
}

// Config 是 HTTP API 的配置。Journal 和 Metrics 可以为空。
type Config struct {
	ResourceManager ResourceManager
	Actors          *registry.ActorRegistry
	Agents          *registry.AgentRegistry
	Journal         Journal
	Metrics         http.Handler
	JWTSecret       string
	BasePath        string
}

// CreateActorRequest 是创建 actor 的请求体。
type CreateActorRequest struct {
	Key            string         `json:"key" minLength:"1"`
	Implementation string         `json:"implementation" minLength:"1"`
	Forked         bool           `json:"forked,omitempty"`
	PreferredHosts []string       `json:"preferredHosts,omitempty"`
	RuntimeArgs    []string       `json:"runtimeArgs,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
}

// NewCreateActorRequest 把 actor 配置转换为请求体。
func NewCreateActorRequest(cfg fleet.ActorConfig) (CreateActorRequest, error) {
	req := CreateActorRequest{
		Key:            string(cfg.Key),
		Implementation: cfg.Implementation,
		Forked:         cfg.Deploy.Forked,
		PreferredHosts: cfg.Deploy.PreferredHosts,
		RuntimeArgs:    cfg.Deploy.RuntimeArgs,
	}
	if cfg.Config != "" {
		if err := json.Unmarshal([]byte(cfg.Config), &req.Config); err != nil {
			return req, fmt.Errorf("%w: actor %s 的配置必须是 JSON 对象", fleet.ErrInvalidArgument, cfg.Key)
		}
	}
	return req, nil
}

func (r CreateActorRequest) actorConfig() (fleet.ActorConfig, error) {
	cfg := fleet.NewActorConfig(fleet.ActorKey(r.Key), r.Implementation)
	if r.Forked {
		cfg = cfg.WithForked()
	}
	if len(r.PreferredHosts) > 0 {
		cfg = cfg.WithPreferredHosts(r.PreferredHosts...)
	}
	if len(r.RuntimeArgs) > 0 {
		cfg = cfg.WithRuntimeArgs(r.RuntimeArgs...)
	}
	if r.Config != nil {
		data, err := json.Marshal(r.Config)
		if err != nil {
			return cfg, fmt.Errorf("%w: %v", fleet.ErrInvalidArgument, err)
		}
		cfg = cfg.WithConfig(string(data))
	}
	return cfg, cfg.Validate()
}

// Placement 是创建请求被接受后的响应。
type Placement struct {
	Key   fleet.ActorKey `json:"key"`
	Agent fleet.AgentKey `json:"agent"`
}

type Health struct {
	Status string `json:"status"`
	Actors int    `json:"actors"`
	Agents int    `json:"agents"`
}

// New 返回 API 的 HTTP handler。
func New(cfg Config) (http.Handler, error) {
	if cfg.ResourceManager == nil || cfg.Actors == nil || cfg.Agents == nil {
		return nil, fmt.Errorf("%w: API 需要资源管理器和注册表", fleet.ErrInvalidArgument)
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	router := chi.NewRouter()
	router.Use(requestID)
	router.Use(newAuthMiddleware(basePath, cfg.JWTSecret))
	if cfg.Metrics != nil {
		router.Handle(MetricsPath, cfg.Metrics)
	}

	hcfg := huma.DefaultConfig("Fleet API", "1.0.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg)
	registerActors(group, cfg)
	registerAgents(group, cfg)
	if cfg.Journal != nil {
		registerEvents(group, cfg.Journal)
	}
	return router, nil
}

func handleError(err error) huma.StatusError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fleet.ErrInvalidArgument), errors.Is(err, fleet.ErrUnknownImplementation):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, fleet.ErrUnknownActor), errors.Is(err, fleet.ErrUnknownAgent):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, fleet.ErrIllegalState):
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error500InternalServerError("内部错误", err)
	}
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        HealthPath,
		Summary:     "健康检查",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body Health }, error) {
		return &struct{ Body Health }{Body: Health{
			Status: "ok",
			Actors: len(cfg.Actors.All()),
			Agents: len(cfg.Agents.All()),
		}}, nil
	})
}

func registerActors(api huma.API, cfg Config) {
	type keyPath struct {
		Key string `path:"key"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-actor",
		Method:        http.MethodPost,
		Path:          "/actors",
		Summary:       "创建 actor",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct{ Body CreateActorRequest }) (*struct{ Body Placement }, error) {
		actorCfg, err := input.Body.actorConfig()
		if err != nil {
			return nil, handleError(err)
		}
		agent, err := cfg.ResourceManager.CreateActor(actorCfg)
		if err != nil {
			return nil, handleError(err)
		}
		slog.Info("通过 API 创建 actor", "key", actorCfg.Key, "agent", agent, "subject", subjectFromContext(ctx))
		return &struct{ Body Placement }{Body: Placement{Key: actorCfg.Key, Agent: agent}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "close-actor",
		Method:        http.MethodDelete,
		Path:          "/actors/{key}",
		Summary:       "关闭 actor",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *keyPath) (*struct{}, error) {
		if err := cfg.ResourceManager.CloseActor(fleet.ActorKey(input.Key)); err != nil {
			return nil, handleError(err)
		}
		slog.Info("通过 API 关闭 actor", "key", input.Key, "subject", subjectFromContext(ctx))
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "列出已注册的 actor",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body []fleet.RegisteredActor }, error) {
		return &struct{ Body []fleet.RegisteredActor }{Body: cfg.Actors.All()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-actor",
		Method:      http.MethodGet,
		Path:        "/actors/{key}",
		Summary:     "查询 actor",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *keyPath) (*struct{ Body fleet.RegisteredActor }, error) {
		a, ok := cfg.Actors.ByKey(fleet.ActorKey(input.Key))
		if !ok {
			return nil, handleError(fmt.Errorf("%w: %s", fleet.ErrUnknownActor, input.Key))
		}
		return &struct{ Body fleet.RegisteredActor }{Body: a}, nil
	})
}

func registerAgents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "列出已注册的 agent",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body []fleet.RegisteredAgent }, error) {
		return &struct{ Body []fleet.RegisteredAgent }{Body: cfg.Agents.All()}, nil
	})
}

func registerEvents(api huma.API, j Journal) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "最近的生命周期事件",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	}) (*struct{ Body []journal.Entry }, error) {
		entries, err := j.Tail(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []journal.Entry{}
		}
		return &struct{ Body []journal.Entry }{Body: entries}, nil
	})
}
