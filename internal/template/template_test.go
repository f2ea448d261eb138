package template

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rakunlabs/flowisemcp/internal/corefail"
)

const simpleRAG = `
template_id: tmpl_simple_rag
name: Simple RAG
description: Retrieval-augmented chat over a vector store.
required_node_names: [chatOpenAI, llmChain]
parameter_schema:
  - name: model_name
    kind: string
    target_instance: chat
    target_anchor: modelName
  - name: temperature
    kind: number
    target_instance: chat
    target_anchor: temperature
graph:
  nodes:
    - id: chat
      descriptor_name: chatOpenAI
      inputs:
        modelName: gpt-4o-mini
        temperature: 0.7
    - id: chain
      descriptor_name: llmChain
      inputs:
        model:
          ref_instance: chat
          ref_anchor: chatOpenAI
          ref_type_chain: [ChatOpenAI, BaseChatModel, BaseLanguageModel]
  edges:
    - id: e0
      source_instance: chat
      source_anchor: chatOpenAI
      target_instance: chain
      target_anchor: model
  viewport:
    zoom: 1
`

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write template: %v", err)
	}
}

func TestLoad_ParsesTemplates(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "simple_rag.yaml", simpleRAG)
	writeTemplate(t, dir, "notes.txt", "ignored")

	lib, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	tmpl, err := lib.Get("tmpl_simple_rag")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if tmpl.Name != "Simple RAG" {
		t.Fatalf("unexpected name %q", tmpl.Name)
	}
	if len(tmpl.ParameterSchema) != 2 {
		t.Fatalf("expected 2 parameters, got %d", len(tmpl.ParameterSchema))
	}
	if len(tmpl.Graph.Nodes) != 2 || len(tmpl.Graph.Edges) != 1 {
		t.Fatalf("unexpected graph shape: %d nodes, %d edges", len(tmpl.Graph.Nodes), len(tmpl.Graph.Edges))
	}

	chain := tmpl.Graph.Nodes[1]
	ref, ok := chain.Inputs["model"]
	if !ok || !ref.IsRef() {
		t.Fatalf("chain.model must decode as a node reference, got %+v", chain.Inputs)
	}
	if ref.Ref.InstanceID != "chat" || ref.Ref.OutputAnchor != "chatOpenAI" {
		t.Fatalf("reference decoded wrong: %+v", ref.Ref)
	}

	lit := tmpl.Graph.Nodes[0].Inputs["modelName"]
	if lit.IsRef() || lit.Literal != "gpt-4o-mini" {
		t.Fatalf("plain values must decode as literals, got %+v", lit)
	}
}

func TestLoad_RejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.yaml", simpleRAG)
	writeTemplate(t, dir, "b.yaml", simpleRAG)

	if _, err := Load(dir); err == nil {
		t.Fatalf("duplicate template_id must fail the load")
	}
}

func TestLoad_RequiresTemplateID(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "broken.yaml", "name: No ID\n")

	if _, err := Load(dir); err == nil {
		t.Fatalf("a template without template_id must fail the load")
	}
}

func TestGet_UnknownIDIsNotFound(t *testing.T) {
	dir := t.TempDir()
	lib, err := Load(dir)
	if err != nil {
		t.Fatalf("load of empty dir failed: %v", err)
	}

	_, err = lib.Get("tmpl_missing")
	var nf *corefail.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestAll_SortedByID(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "b.yaml", "template_id: tmpl_b\nname: B\n")
	writeTemplate(t, dir, "a.yaml", "template_id: tmpl_a\nname: A\n")

	lib, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	all := lib.All()
	if len(all) != 2 || all[0].TemplateID != "tmpl_a" || all[1].TemplateID != "tmpl_b" {
		t.Fatalf("All must sort by id: %+v", all)
	}
}
