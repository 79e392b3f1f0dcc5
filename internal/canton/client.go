// Package canton is a narrow client for the Ledger JSON API v2: ledger end,
// active-contract queries, and command submission. Responses are decoded
// into explicit variants carrying only the fields the relay uses; unknown
// fields stay opaque.
package canton

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	pathLedgerEnd       = "/v2/state/ledger-end"
	pathActiveContracts = "/v2/state/active-contracts"
	pathUpdates         = "/v2/updates"
	pathSubmitAndWait   = "/v2/commands/submit-and-wait"

	// activeContractsPageCap is the server-side item cap. A response of
	// exactly this size (or HTTP 413) triggers the updates-replay fallback.
	activeContractsPageCap = 200

	// maxUpdatePages bounds the fallback replay.
	maxUpdatePages = 100

	requestTimeout = 30 * time.Second
)

// Contract is one active contract as seen by the operator.
type Contract struct {
	ContractID string
	TemplateID string
	Payload    json.RawMessage
}

// CreatedEvent is a contract created within a command's transaction.
type CreatedEvent struct {
	ContractID string          `json:"contractId"`
	TemplateID string          `json:"templateId"`
	Payload    json.RawMessage `json:"createArgument"`
}

// ExerciseResult carries the outcome of an exercised choice.
type ExerciseResult struct {
	Created []CreatedEvent
	Result  json.RawMessage
}

// StatusError is a non-2xx JSON API response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger api status %d: %s", e.Code, e.Body)
}

// IsEntityTooLarge reports whether err is an HTTP 413 from the Ledger,
// anywhere in its chain.
func IsEntityTooLarge(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusRequestEntityTooLarge
}

// Client talks to one participant's JSON API as a single operator party.
type Client struct {
	base   string
	token  string
	party  string
	http   *http.Client
	log    *zap.Logger
	onFall func() // fallback counter hook, optional
}

// New returns a client bound to the operator party.
func New(base, token, party string, log *zap.Logger) *Client {
	return &Client{
		base:  base,
		token: token,
		party: party,
		http:  &http.Client{Timeout: requestTimeout},
		log:   log,
	}
}

// Party returns the operator party id.
func (c *Client) Party() string { return c.party }

// OnFallback registers a hook invoked whenever the updates-replay fallback
// is taken.
func (c *Client) OnFallback(fn func()) { c.onFall = fn }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger api %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("ledger api %s: read body: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("ledger api %s: decode: %w", path, err)
		}
	}
	return nil
}

// LedgerEnd returns the participant's current ledger-end offset.
func (c *Client) LedgerEnd(ctx context.Context) (int64, error) {
	var resp struct {
		Offset int64 `json:"offset"`
	}
	if err := c.do(ctx, http.MethodGet, pathLedgerEnd, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Offset, nil
}

type templateFilter struct {
	TemplateIDs []string `json:"templateIds"`
}

type activeContractsRequest struct {
	FiltersByParty map[string]templateFilter `json:"filtersByParty"`
	Verbose        bool                      `json:"verbose"`
	ActiveAtOffset int64                     `json:"activeAtOffset"`
}

type activeContractEntry struct {
	CreatedEvent CreatedEvent `json:"createdEvent"`
	Offset       int64        `json:"offset"`
}

// Active returns the operator's active contracts of the given template.
// When the response hits exactly the server item cap, or the server answers
// 413, the result is rebuilt by replaying /v2/updates from a begin-exclusive
// offset until progress halts or the page bound is reached.
func (c *Client) Active(ctx context.Context, template string) ([]Contract, error) {
	end, err := c.LedgerEnd(ctx)
	if err != nil {
		return nil, err
	}
	req := activeContractsRequest{
		FiltersByParty: map[string]templateFilter{
			c.party: {TemplateIDs: []string{template}},
		},
		ActiveAtOffset: end,
	}
	var entries []activeContractEntry
	err = c.do(ctx, http.MethodPost, pathActiveContracts, req, &entries)
	switch {
	case IsEntityTooLarge(err):
		c.log.Warn("active-contracts overflow, replaying updates",
			zap.String("template", template))
		return c.activeViaUpdates(ctx, template, end)
	case err != nil:
		return nil, err
	}
	if len(entries) == activeContractsPageCap {
		c.log.Warn("active-contracts hit page cap, replaying updates",
			zap.String("template", template), zap.Int("cap", activeContractsPageCap))
		return c.activeViaUpdates(ctx, template, end)
	}
	out := make([]Contract, 0, len(entries))
	for _, e := range entries {
		out = append(out, Contract{
			ContractID: e.CreatedEvent.ContractID,
			TemplateID: e.CreatedEvent.TemplateID,
			Payload:    e.CreatedEvent.Payload,
		})
	}
	return out, nil
}

type updatesRequest struct {
	BeginExclusive int64                     `json:"beginExclusive"`
	EndInclusive   int64                     `json:"endInclusive"`
	FiltersByParty map[string]templateFilter `json:"filtersByParty"`
}

type updateEvent struct {
	Offset   int64         `json:"offset"`
	Created  *CreatedEvent `json:"createdEvent,omitempty"`
	Archived *struct {
		ContractID string `json:"contractId"`
	} `json:"archivedEvent,omitempty"`
}

// activeViaUpdates rebuilds the active set by replaying the update stream:
// created contracts enter the set, archived ones leave it. Replaying from
// the beginning over the same ledger state yields the same set as an
// uncapped active-contracts call.
func (c *Client) activeViaUpdates(ctx context.Context, template string, end int64) ([]Contract, error) {
	if c.onFall != nil {
		c.onFall()
	}
	active := make(map[string]Contract)
	order := []string{}
	var begin int64 // begin-exclusive

	for page := 0; page < maxUpdatePages; page++ {
		req := updatesRequest{
			BeginExclusive: begin,
			EndInclusive:   end,
			FiltersByParty: map[string]templateFilter{
				c.party: {TemplateIDs: []string{template}},
			},
		}
		var events []updateEvent
		if err := c.do(ctx, http.MethodPost, pathUpdates, req, &events); err != nil {
			return nil, fmt.Errorf("updates replay: %w", err)
		}
		if len(events) == 0 {
			break
		}
		progressed := false
		for _, ev := range events {
			if ev.Offset > begin {
				begin = ev.Offset
				progressed = true
			}
			switch {
			case ev.Created != nil:
				if _, seen := active[ev.Created.ContractID]; !seen {
					order = append(order, ev.Created.ContractID)
				}
				active[ev.Created.ContractID] = Contract{
					ContractID: ev.Created.ContractID,
					TemplateID: ev.Created.TemplateID,
					Payload:    ev.Created.Payload,
				}
			case ev.Archived != nil:
				delete(active, ev.Archived.ContractID)
			}
		}
		if !progressed || begin >= end {
			break
		}
	}

	out := make([]Contract, 0, len(active))
	for _, cid := range order {
		if c, ok := active[cid]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

type command struct {
	Create   *createCommand   `json:"CreateCommand,omitempty"`
	Exercise *exerciseCommand `json:"ExerciseCommand,omitempty"`
}

type createCommand struct {
	TemplateID      string `json:"templateId"`
	CreateArguments any    `json:"createArguments"`
}

type exerciseCommand struct {
	TemplateID     string `json:"templateId"`
	ContractID     string `json:"contractId"`
	Choice         string `json:"choice"`
	ChoiceArgument any    `json:"choiceArgument"`
}

type submitRequest struct {
	Commands  []command `json:"commands"`
	CommandID string    `json:"commandId"`
	ActAs     []string  `json:"actAs"`
}

type submitResponse struct {
	UpdateID string `json:"updateId"`
	Events   []struct {
		Created  *CreatedEvent   `json:"createdEvent,omitempty"`
		Exercise json.RawMessage `json:"exerciseResult,omitempty"`
	} `json:"events"`
}

func (c *Client) submit(ctx context.Context, cmd command, extraActors []string) (*submitResponse, error) {
	actAs := append([]string{c.party}, extraActors...)
	req := submitRequest{
		Commands:  []command{cmd},
		CommandID: uuid.NewString(),
		ActAs:     actAs,
	}
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, pathSubmitAndWait, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Create submits a create command and returns the new contract id.
func (c *Client) Create(ctx context.Context, template string, payload any) (string, error) {
	resp, err := c.submit(ctx, command{
		Create: &createCommand{TemplateID: template, CreateArguments: payload},
	}, nil)
	if err != nil {
		return "", err
	}
	for _, ev := range resp.Events {
		if ev.Created != nil && ev.Created.TemplateID == template {
			return ev.Created.ContractID, nil
		}
	}
	// Some participants omit the template id on created events; fall back
	// to the first created contract of the transaction.
	for _, ev := range resp.Events {
		if ev.Created != nil {
			return ev.Created.ContractID, nil
		}
	}
	return "", fmt.Errorf("create %s: no created event in response", template)
}

// Exercise submits an exercise command, acting as the operator plus any
// extra actors required by the choice.
func (c *Client) Exercise(ctx context.Context, template, cid, choice string, args any, extraActors []string) (ExerciseResult, error) {
	resp, err := c.submit(ctx, command{
		Exercise: &exerciseCommand{
			TemplateID:     template,
			ContractID:     cid,
			Choice:         choice,
			ChoiceArgument: args,
		},
	}, extraActors)
	if err != nil {
		return ExerciseResult{}, err
	}
	out := ExerciseResult{}
	for _, ev := range resp.Events {
		if ev.Created != nil {
			out.Created = append(out.Created, *ev.Created)
		}
		if len(ev.Exercise) > 0 {
			out.Result = ev.Exercise
		}
	}
	return out, nil
}
