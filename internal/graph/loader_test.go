package graph

import (
	"strings"
	"testing"
)

func anyBackend(string) bool { return true }

func TestParseValidGraph(t *testing.T) {
	g, err := Parse([]byte(`
flows:
  - name: review
    entry: draft
    nodes:
      - id: draft
        kind: model-call
        backend: writer
        prompt: "Draft ${topic}"
        outputs: [draft]
      - id: check
        kind: tool-call
        backend: linter
        inputs: [draft]
    edges:
      - {from: draft, to: check}
`), anyBackend)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	flow, ok := g.Flows["review"]
	if !ok {
		t.Fatal("flow review missing")
	}
	if flow.Entry != "draft" {
		t.Errorf("got entry %q, want draft", flow.Entry)
	}
	if flow.MaxSteps != defaultMaxSteps {
		t.Errorf("got max steps %d, want default %d", flow.MaxSteps, defaultMaxSteps)
	}
	if edges := flow.OutEdges("draft"); len(edges) != 1 || edges[0].To != "check" {
		t.Errorf("got out edges %v, want one edge to check", edges)
	}
}

func TestParseDefaultsEntryToFirstNode(t *testing.T) {
	g, err := Parse([]byte(`
flows:
  - name: single
    nodes:
      - {id: only, kind: function, backend: fn}
`), anyBackend)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if g.Flows["single"].Entry != "only" {
		t.Errorf("got entry %q, want only", g.Flows["single"].Entry)
	}
}

func TestParseRejectsMalformedGraphs(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "duplicate node id",
			yaml: `
flows:
  - name: f
    nodes:
      - {id: a, kind: function, backend: fn}
      - {id: a, kind: function, backend: fn}
`,
			wantErr: "duplicate node",
		},
		{
			name: "unknown kind",
			yaml: `
flows:
  - name: f
    nodes:
      - {id: a, kind: teleport, backend: fn}
`,
			wantErr: "unknown kind",
		},
		{
			name: "model call without prompt",
			yaml: `
flows:
  - name: f
    nodes:
      - {id: a, kind: model-call, backend: llm}
`,
			wantErr: "no prompt",
		},
		{
			name: "edge to unknown node",
			yaml: `
flows:
  - name: f
    nodes:
      - {id: a, kind: function, backend: fn}
    edges:
      - {from: a, to: ghost}
`,
			wantErr: "unknown target",
		},
		{
			name: "bad condition expression",
			yaml: `
flows:
  - name: f
    nodes:
      - {id: a, kind: function, backend: fn}
      - {id: b, kind: function, backend: fn}
      - {id: c, kind: function, backend: fn}
    edges:
      - {from: a, to: b, when: "x >"}
      - {from: a, to: c}
`,
			wantErr: "compile condition",
		},
		{
			name: "conditional edges without default",
			yaml: `
flows:
  - name: f
    nodes:
      - {id: a, kind: function, backend: fn}
      - {id: b, kind: function, backend: fn}
    edges:
      - {from: a, to: b, when: "x > 1"}
`,
			wantErr: "no default edge",
		},
		{
			name: "fan-out without join",
			yaml: `
flows:
  - name: f
    nodes:
      - {id: a, kind: function, backend: fn}
      - {id: b, kind: function, backend: fn}
      - {id: c, kind: function, backend: fn}
    edges:
      - {from: a, to: b}
      - {from: a, to: c}
`,
			wantErr: "fan-out",
		},
		{
			name: "duplicate flow name",
			yaml: `
flows:
  - name: f
    nodes:
      - {id: a, kind: function, backend: fn}
  - name: f
    nodes:
      - {id: a, kind: function, backend: fn}
`,
			wantErr: "duplicate flow",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml), anyBackend)
			if err == nil {
				t.Fatal("expected parse error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("got error %q, want it to contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseRejectsUnregisteredBackend(t *testing.T) {
	registered := func(name string) bool { return name == "known" }
	_, err := Parse([]byte(`
flows:
  - name: f
    nodes:
      - {id: a, kind: function, backend: mystery}
`), registered)
	if err == nil || !strings.Contains(err.Error(), "unregistered backend") {
		t.Fatalf("got %v, want unregistered backend error", err)
	}
}
