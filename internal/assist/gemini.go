package assist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const maxToolRounds = 4

type Gemini struct {
	client *genai.Client
	model  string
	lookup Lookup
	logger *zap.Logger
}

func NewGemini(ctx context.Context, apiKey string, model string, lookup Lookup, logger *zap.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gemini{client: client, model: model, lookup: lookup, logger: logger.Named("assist")}, nil
}

func (g *Gemini) Enabled() bool { return true }

func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) Suggest(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("prompt is empty")
	}

	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = genai.NewUserContent(genai.Text(fmt.Sprintf(
		"Today is %s. You help point-of-sale back-office staff. Answer from tool results only; "+
			"call get_order for invoice questions and get_product for catalog or stock questions. "+
			"Never invent amounts.", time.Now().UTC().Format("2006-01-02"))))
	model.Tools = []*genai.Tool{{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        "get_order",
				Description: "Fetch a completed order by invoice id, including totals, refund amount and status.",
				Parameters: &genai.Schema{
					Type:       genai.TypeObject,
					Properties: map[string]*genai.Schema{"invoice_id": {Type: genai.TypeString, Description: "Invoice id"}},
					Required:   []string{"invoice_id"},
				},
			},
			{
				Name:        "get_product",
				Description: "Fetch a product by id, including its per-currency prices and stock.",
				Parameters: &genai.Schema{
					Type:       genai.TypeObject,
					Properties: map[string]*genai.Schema{"product_id": {Type: genai.TypeString, Description: "Product id"}},
					Required:   []string{"product_id"},
				},
			},
		},
	}}

	session := model.StartChat()
	resp, err := session.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	for round := 0; round < maxToolRounds; round++ {
		calls := functionCalls(resp)
		if len(calls) == 0 {
			return responseText(resp), nil
		}
		replies := make([]genai.Part, 0, len(calls))
		for _, call := range calls {
			replies = append(replies, g.runTool(ctx, call))
		}
		resp, err = session.SendMessage(ctx, replies...)
		if err != nil {
			return "", err
		}
	}
	return responseText(resp), nil
}

func (g *Gemini) runTool(ctx context.Context, call genai.FunctionCall) genai.FunctionResponse {
	var (
		result any
		err    error
	)
	switch call.Name {
	case "get_order":
		id, _ := call.Args["invoice_id"].(string)
		result, err = g.lookup.GetOrder(ctx, id)
	case "get_product":
		id, _ := call.Args["product_id"].(string)
		result, err = g.lookup.GetProduct(ctx, id)
	default:
		err = fmt.Errorf("unknown tool %q", call.Name)
	}
	if err != nil {
		g.logger.Debug("assistant tool failed", zap.String("tool", call.Name), zap.Error(err))
		return genai.FunctionResponse{Name: call.Name, Response: map[string]any{"error": err.Error()}}
	}
	return genai.FunctionResponse{Name: call.Name, Response: toMap(result)}
}

func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return out
}

func functionCalls(resp *genai.GenerateContentResponse) []genai.FunctionCall {
	var calls []genai.FunctionCall
	if resp == nil {
		return nil
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if call, ok := part.(genai.FunctionCall); ok {
				calls = append(calls, call)
			}
		}
	}
	return calls
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
	}
	return strings.TrimSpace(b.String())
}
