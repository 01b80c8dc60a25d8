package llm

import "context"

// MockClient permite tests sin llamar a un LLM real.
type MockClient struct {
	Response string
	Err      error
	Calls    int
	Prompts  []string
	// GenerateFunc permite comportamientos por llamada (ej: fallar la primera).
	GenerateFunc func(ctx context.Context, prompt, userID string) (string, error)
}

func (m *MockClient) Generate(ctx context.Context, prompt, userID string) (string, error) {
	m.Calls++
	m.Prompts = append(m.Prompts, prompt)
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt, userID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.Response, m.Err
}
