package governance

import (
	"context"
	"testing"
)

func TestDefaultPolicyEngine_Evaluate(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	ctx := context.Background()

	// Test Allow (Default)
	req1 := Request{Tool: "web_search"}
	res1, err := engine.Evaluate(ctx, req1)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res1.Effect != EffectAllow {
		t.Errorf("Expected EffectAllow, got %s", res1.Effect)
	}

	// Test Deny
	engine.DenyTool("save_as_pdf")
	req2 := Request{Tool: "save_as_pdf"}
	res2, err := engine.Evaluate(ctx, req2)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res2.Effect != EffectDeny {
		t.Errorf("Expected EffectDeny, got %s", res2.Effect)
	}
}

func TestNewPolicyEngine_FromConfig(t *testing.T) {
	engine, err := NewPolicyEngine([]string{"schedule_research"}, []string{`file://`, `169\.254\.`})
	if err != nil {
		t.Fatalf("NewPolicyEngine failed: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want Effect
	}{
		{"denied tool", Request{Tool: "schedule_research"}, EffectDeny},
		{"denied local file url", Request{Tool: "read_url", Arguments: `{"url":"file:///etc/passwd"}`}, EffectDeny},
		{"denied metadata address", Request{Tool: "read_url", Arguments: `{"url":"http://169.254.169.254/"}`}, EffectDeny},
		{"allowed url", Request{Tool: "read_url", Arguments: `{"url":"https://arxiv.org/abs/1706.03762"}`}, EffectAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := engine.Evaluate(ctx, tt.req)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if res.Effect != tt.want {
				t.Errorf("Expected %s, got %s (%s)", tt.want, res.Effect, res.Reason)
			}
		})
	}

	if _, err := NewPolicyEngine(nil, []string{"("}); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}

func TestDefaultPolicyEngine_RestrictWorker(t *testing.T) {
	engine := NewDefaultPolicyEngine()
	engine.RestrictWorker("writer", "save_file", "save_as_pdf")
	ctx := context.Background()

	res, _ := engine.Evaluate(ctx, Request{Tool: "web_search", Worker: "writer"})
	if res.Effect != EffectDeny {
		t.Errorf("Expected writer to be denied web_search, got %s", res.Effect)
	}
	res, _ = engine.Evaluate(ctx, Request{Tool: "save_file", Worker: "writer"})
	if res.Effect != EffectAllow {
		t.Errorf("Expected writer to be allowed save_file, got %s", res.Effect)
	}
	res, _ = engine.Evaluate(ctx, Request{Tool: "web_search", Worker: "researcher"})
	if res.Effect != EffectAllow {
		t.Errorf("Expected unrestricted worker to be allowed, got %s", res.Effect)
	}
}
