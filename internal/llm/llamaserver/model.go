package llamaserver

import (
	"context"
	"net/http"

	"inferd/internal/llm"
)

type model struct {
	rt        *Runtime
	placement []llm.Placement
}

type tokenizeRequest struct {
	Content    string `json:"content"`
	AddSpecial bool   `json:"add_special"`
}

type tokensResponse struct {
	Tokens []int32 `json:"tokens"`
}

type detokenizeRequest struct {
	Tokens []int32 `json:"tokens"`
}

type contentResponse struct {
	Content string `json:"content"`
}

type completionRequest struct {
	Prompt        []int32  `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	IDSlot        int      `json:"id_slot"`
	CachePrompt   bool     `json:"cache_prompt"`
	ReturnTokens  bool     `json:"return_tokens"`
	Stream        bool     `json:"stream"`
}

type completionResponse struct {
	Content         string  `json:"content"`
	Tokens          []int32 `json:"tokens"`
	TokensPredicted int     `json:"tokens_predicted"`
	StopType        string  `json:"stop_type"`
}

// Encode tokenizes and, when over budget, keeps the first maxTokens ids.
func (m *model) Encode(ctx context.Context, text string, maxTokens int) (llm.Encoding, error) {
	var tr tokensResponse
	if err := m.rt.call(ctx, http.MethodPost, "/tokenize", tokenizeRequest{Content: text, AddSpecial: true}, &tr); err != nil {
		return llm.Encoding{}, err
	}
	if maxTokens <= 0 || len(tr.Tokens) <= maxTokens {
		return llm.Encoding{IDs: tr.Tokens, Text: text}, nil
	}
	ids := tr.Tokens[:maxTokens]
	cut, err := m.Decode(ctx, ids)
	if err != nil {
		return llm.Encoding{}, err
	}
	return llm.Encoding{IDs: ids, Text: cut, Truncated: true}, nil
}

// Generate submits the token prompt and returns input ids plus the produced ids.
func (m *model) Generate(ctx context.Context, in llm.Encoding, s llm.Sampling) ([]int32, error) {
	req := completionRequest{
		Prompt:        in.IDs,
		NPredict:      s.MaxTokens,
		Temperature:   s.Temperature,
		TopP:          s.TopP,
		TopK:          s.TopK,
		RepeatPenalty: s.RepeatPenalty,
		Stop:          s.Stop,
		Seed:          s.Seed,
		IDSlot:        m.rt.slot,
		ReturnTokens:  true,
	}
	var cr completionResponse
	if err := m.rt.call(ctx, http.MethodPost, "/completion", req, &cr); err != nil {
		return nil, err
	}
	produced := cr.Tokens
	if len(produced) == 0 && cr.Content != "" {
		// older servers ignore return_tokens
		var tr tokensResponse
		if err := m.rt.call(ctx, http.MethodPost, "/tokenize", tokenizeRequest{Content: cr.Content}, &tr); err != nil {
			return nil, err
		}
		produced = tr.Tokens
	}
	out := make([]int32, 0, len(in.IDs)+len(produced))
	out = append(out, in.IDs...)
	return append(out, produced...), nil
}

func (m *model) Decode(ctx context.Context, ids []int32) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	var cr contentResponse
	if err := m.rt.call(ctx, http.MethodPost, "/detokenize", detokenizeRequest{Tokens: ids}, &cr); err != nil {
		return "", err
	}
	return cr.Content, nil
}

func (m *model) Placement() []llm.Placement { return m.placement }

// ReleaseCache erases the slot's KV cache on the server.
func (m *model) ReleaseCache(ctx context.Context) error {
	return m.rt.call(ctx, http.MethodPost, slotPath(m.rt.slot), nil, nil)
}

// Close is a no-op; the server process is owned elsewhere.
func (m *model) Close() error { return nil }
