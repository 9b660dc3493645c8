// Package orchestrator runs the model/tool conversation loop for one query.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harunnryd/toolbridge/internal/conversation"
	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
	"github.com/harunnryd/toolbridge/internal/logger"
	"github.com/harunnryd/toolbridge/internal/model"
	"github.com/harunnryd/toolbridge/internal/model/contract"
	"github.com/harunnryd/toolbridge/internal/session"
)

const DefaultMaxTurns = 10

// ToolCaller dispatches one tool invocation. Session implements it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Catalog is the read side of the tool catalog the loop needs.
type Catalog interface {
	Require(name string) (session.ToolDescriptor, error)
	Declarations() []contract.ToolDef
}

type Options struct {
	Sampling contract.Sampling
	// MaxTurns caps model calls per run. Zero means unlimited.
	MaxTurns int
	Logger   *slog.Logger
}

type Orchestrator struct {
	model    model.Generator
	tools    ToolCaller
	catalog  Catalog
	sampling contract.Sampling
	maxTurns int
	logger   *slog.Logger
}

func New(gen model.Generator, tools ToolCaller, catalog Catalog, opts Options) *Orchestrator {
	if opts.MaxTurns < 0 {
		opts.MaxTurns = 0
	}
	return &Orchestrator{
		model:    gen,
		tools:    tools,
		catalog:  catalog,
		sampling: opts.Sampling,
		maxTurns: opts.MaxTurns,
		logger:   logger.Or(opts.Logger),
	}
}

// Run answers query. On failure the partial conversation is returned with the
// error so callers can inspect how far the run got.
func (o *Orchestrator) Run(ctx context.Context, query string) (*conversation.Conversation, error) {
	conv := conversation.New(query)
	log := logger.FromContext(ctx, o.logger).With("query", query)
	tools := o.catalog.Declarations()

	for turn := 1; ; turn++ {
		if o.maxTurns > 0 && turn > o.maxTurns {
			err := o.fail(query, turn, "", "", tbErrors.ErrMaxTurns)
			log.Error("Run exceeded turn limit", "max_turns", o.maxTurns)
			return conv, err
		}
		if err := ctx.Err(); err != nil {
			return conv, o.fail(query, turn, "", "", err)
		}

		resp, err := o.model.Generate(ctx, contract.CompletionRequest{
			Messages: conv.ModelView(),
			Tools:    tools,
			Sampling: o.sampling,
		})
		if err != nil {
			log.Error("Model call failed", "turn", turn, "error", err)
			return conv, o.fail(query, turn, "", "", err)
		}
		if resp == nil || len(resp.Blocks) == 0 {
			log.Error("Model returned no content", "turn", turn)
			return conv, o.fail(query, turn, "", "", tbErrors.InvalidModelOutput("empty response"))
		}

		if text, ok := resp.FinalText(); ok {
			conv.Append(conversation.AssistantText(text))
			log.Info("Run finished", "turns", turn, "messages", conv.Len())
			return conv, nil
		}

		conv.Append(conversation.AssistantBlocks(resp.Blocks))

		for _, block := range resp.Blocks {
			switch b := block.(type) {
			case conversation.TextBlock:
				conv.Append(conversation.AssistantText(b.Text))
			case conversation.ToolInvocationRequest:
				result, err := o.dispatch(ctx, log.With("turn", turn), b)
				if err != nil {
					return conv, o.fail(query, turn, b.Name, b.CallID, err)
				}
				conv.Append(conversation.ToolResults(result))
			default:
				log.Error("Unsupported content block", "turn", turn, "type", fmt.Sprintf("%T", block))
				return conv, o.fail(query, turn, "", "", tbErrors.InvalidModelOutput(fmt.Sprintf("unsupported content block %T", block)))
			}
		}
	}
}

// dispatch runs one tool request. Failures the model can react to come back
// as an error result; anything else is returned as an error.
func (o *Orchestrator) dispatch(ctx context.Context, log *slog.Logger, req conversation.ToolInvocationRequest) (conversation.ToolResult, error) {
	log = log.With("tool", req.Name, "call_id", req.CallID)

	if _, err := o.catalog.Require(req.Name); err != nil {
		log.Warn("Model requested unknown tool")
		return conversation.ToolResult{CallID: req.CallID, Content: err.Error(), IsError: true}, nil
	}

	log.Info("Calling tool")
	out, err := o.tools.CallTool(ctx, req.Name, req.Arguments)
	if err == nil {
		return conversation.ToolResult{CallID: req.CallID, Content: out}, nil
	}

	if tbErrors.IsRecoverable(err) {
		log.Warn("Tool call failed", "category", tbErrors.Category(err), "error", err)
		return conversation.ToolResult{CallID: req.CallID, Content: err.Error(), IsError: true}, nil
	}

	log.Error("Tool call aborted run", "category", tbErrors.Category(err), "error", err)
	return conversation.ToolResult{}, err
}

func (o *Orchestrator) fail(query string, turn int, tool, callID string, cause error) error {
	return &Error{Query: query, Turn: turn, Tool: tool, CallID: callID, Cause: cause}
}
