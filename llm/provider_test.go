package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
)

func TestMockGenerator_Script(t *testing.T) {
	m := NewMockGenerator("first", "second")
	ctx := context.Background()

	for _, want := range []string{"first", "second", "second"} {
		resp, err := m.Generate(ctx, Request{Prompt: want})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Content != want {
			t.Errorf("got %q, want %q", resp.Content, want)
		}
	}
	if m.CallCount() != 3 {
		t.Errorf("expected 3 calls, got %d", m.CallCount())
	}
	if m.LastRequest().Prompt != "second" {
		t.Errorf("unexpected last prompt %q", m.LastRequest().Prompt)
	}
}

func TestMockGenerator_FailWith(t *testing.T) {
	m := NewMockGenerator("ok")
	boom := errors.New("boom")
	m.FailWith(boom)

	if _, err := m.Generate(context.Background(), Request{}); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	resp, err := m.Generate(context.Background(), Request{})
	if err != nil || resp.Content != "ok" {
		t.Errorf("expected ok after scripted failure, got %v, %v", resp, err)
	}
	if len(m.Calls()) != 2 {
		t.Errorf("expected both calls recorded")
	}
}

func TestWithTracing_PassesThrough(t *testing.T) {
	m := NewMockGenerator(`{"caption":"x"}`)
	g := WithTracing(m, "mock")

	resp, err := g.Generate(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"caption":"x"}` {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if m.CallCount() != 1 {
		t.Errorf("expected delegate called once")
	}
}

func TestSchemaFor(t *testing.T) {
	schema, err := SchemaFor(&sample{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := schema["$schema"]; ok {
		t.Error("$schema should be stripped")
	}
	if schema["type"] != "object" {
		t.Errorf("expected object schema, got %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing properties")
	}
	for _, name := range []string{"caption", "word_count", "has_price"} {
		if _, ok := props[name]; !ok {
			t.Errorf("missing property %s", name)
		}
	}
	required, _ := schema["required"].([]interface{})
	if len(required) != 3 {
		t.Errorf("expected 3 required fields, got %v", required)
	}
}

func TestConvertToGeminiSchema(t *testing.T) {
	schema, err := SchemaFor(&sample{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gs := convertToGeminiSchema(schema)
	if gs.Type != genai.TypeObject {
		t.Errorf("expected object type")
	}
	if gs.Properties["caption"].Type != genai.TypeString {
		t.Errorf("caption should be string")
	}
	if gs.Properties["caption"].Description != "The text" {
		t.Errorf("description not carried over: %q", gs.Properties["caption"].Description)
	}
	if gs.Properties["word_count"].Type != genai.TypeInteger {
		t.Errorf("word_count should be integer")
	}
	if gs.Properties["has_price"].Type != genai.TypeBoolean {
		t.Errorf("has_price should be boolean")
	}
	if len(gs.Required) != 3 {
		t.Errorf("expected required fields carried over, got %v", gs.Required)
	}
	if convertToGeminiSchema(nil) != nil {
		t.Error("nil schema should convert to nil")
	}
}
