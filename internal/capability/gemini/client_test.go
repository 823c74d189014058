package gemini

import (
	"context"
	"errors"
	"net/http"
	"testing"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"Cerberus-Core/internal/capability"
	xerrors "Cerberus-Core/internal/errors"
)

type stubGenerator struct {
	resp   *genai.GenerateContentResponse
	err    error
	system string
}

func (s *stubGenerator) GenerateContent(_ context.Context, system string, _ capability.Kind, _ string) (*genai.GenerateContentResponse, error) {
	s.system = system
	return s.resp, s.err
}

func textResponse(text string, tokens int32) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(text)}},
		}},
		UsageMetadata: &genai.UsageMetadata{TotalTokenCount: tokens},
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestInvokeExtract(t *testing.T) {
	gen := &stubGenerator{resp: textResponse(`{"fields":{"total":{"value":"99.50","confidence":0.8}}}`, 2000)}
	c := newClient(Config{CostPer1K: 0.01}, "gemini-test", gen, nil)

	res, err := c.Invoke(context.Background(), capability.Request{Kind: capability.KindExtract, Payload: "Total 99.50"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Fields["total"].Value != "99.50" || res.Confidence != 0.8 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Cost != 0.02 || res.Model != "gemini-test" {
		t.Fatalf("unexpected accounting: %+v", res)
	}
	if gen.system == "" {
		t.Fatalf("system prompt not passed")
	}
	if c.Name() != "gemini" {
		t.Fatalf("default name: %q", c.Name())
	}
}

func TestInvokeErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code xerrors.Code
	}{
		{errors.New("connection reset"), xerrors.CodeBackendUnavailable},
		{&googleapi.Error{Code: http.StatusTooManyRequests}, xerrors.CodeBackendUnavailable},
		{&googleapi.Error{Code: http.StatusBadRequest}, xerrors.CodeBackendError},
	}
	for _, tc := range cases {
		c := newClient(Config{}, "m", &stubGenerator{err: tc.err}, nil)
		_, err := c.Invoke(context.Background(), capability.Request{Kind: capability.KindSummarize})
		if xerrors.CodeOf(err) != tc.code {
			t.Fatalf("%v: expected %s, got %v", tc.err, tc.code, err)
		}
	}
}

func TestInvokeEmptyCandidates(t *testing.T) {
	c := newClient(Config{}, "m", &stubGenerator{resp: &genai.GenerateContentResponse{}}, nil)
	_, err := c.Invoke(context.Background(), capability.Request{Kind: capability.KindDraft})
	if !xerrors.IsCode(err, xerrors.CodeBackendError) {
		t.Fatalf("expected BACKEND_ERROR, got %v", err)
	}
}
