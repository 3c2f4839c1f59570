package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/journal"
)

// Client 是 API 的 HTTP 客户端，供命令行使用。
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient 创建客户端。addr 可以是 host:port 或完整的 URL。
func NewClient(addr, token string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		base:  strings.TrimSuffix(base, "/") + DefaultBasePath,
		token: token,
		http:  http.DefaultClient,
	}
}

// StatusError 是 API 返回的错误。
type StatusError struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Title)
}

// Unwrap 把状态码映射回错误类别。
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fleet.ErrInvalidArgument
	case http.StatusNotFound:
		return fleet.ErrUnknownActor
	case http.StatusConflict:
		return fleet.ErrIllegalState
	default:
		return nil
	}
}

func (c *Client) CreateActor(ctx context.Context, cfg fleet.ActorConfig) (Placement, error) {
	var p Placement
	req, err := NewCreateActorRequest(cfg)
	if err != nil {
		return p, err
	}
	err = c.do(ctx, http.MethodPost, "/actors", req, &p)
	return p, err
}

func (c *Client) CloseActor(ctx context.Context, key fleet.ActorKey) error {
	return c.do(ctx, http.MethodDelete, "/actors/"+url.PathEscape(string(key)), nil, nil)
}

func (c *Client) Actor(ctx context.Context, key fleet.ActorKey) (fleet.RegisteredActor, error) {
	var a fleet.RegisteredActor
	err := c.do(ctx, http.MethodGet, "/actors/"+url.PathEscape(string(key)), nil, &a)
	return a, err
}

func (c *Client) Actors(ctx context.Context) ([]fleet.RegisteredActor, error) {
	var actors []fleet.RegisteredActor
	err := c.do(ctx, http.MethodGet, "/actors", nil, &actors)
	return actors, err
}

func (c *Client) Agents(ctx context.Context) ([]fleet.RegisteredAgent, error) {
	var agents []fleet.RegisteredAgent
	err := c.do(ctx, http.MethodGet, "/agents", nil, &agents)
	return agents, err
}

func (c *Client) Events(ctx context.Context, limit int) ([]journal.Entry, error) {
	var entries []journal.Entry
	err := c.do(ctx, http.MethodGet, "/events?limit="+strconv.Itoa(limit), nil, &entries)
	return entries, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, HealthPath, nil, &h)
	return h, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		se := &StatusError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, se)
		se.Status = resp.StatusCode
		return se
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
