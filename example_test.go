package loom_test

import (
	"context"
	"fmt"
	"log"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/builtin"
)

func utilityNode(reg *loom.Registry, id string, settings loom.Settings) loom.Node {
	n, err := reg.NewNode(id, loom.TypeUtility, settings)
	if err != nil {
		log.Fatal(err)
	}
	return n
}

func link(from, to string) loom.Edge {
	return loom.Edge{ID: from + "-" + to, From: from, FromPort: "output", To: to, ToPort: "input"}
}

// ExamplePlan shows nodes grouped into levels that can run concurrently.
func ExamplePlan() {
	reg := builtin.NewRegistry()
	g := loom.NewGraph("fan-out", "Fan out")
	g.Nodes = []loom.Node{
		utilityNode(reg, "fetch", nil),
		utilityNode(reg, "summarize", nil),
		utilityNode(reg, "translate", nil),
		utilityNode(reg, "publish", nil),
	}
	g.Edges = []loom.Edge{
		link("fetch", "summarize"),
		link("fetch", "translate"),
		link("summarize", "publish"),
	}

	p, err := loom.Plan(g)
	if err != nil {
		log.Fatal(err)
	}
	for i, level := range p.Levels {
		fmt.Println(i, level)
	}
	// Output:
	// 0 [fetch]
	// 1 [summarize translate]
	// 2 [publish]
}

// ExampleEngine_Run executes a two-node graph and reads a node's output.
func ExampleEngine_Run() {
	reg := builtin.NewRegistry()
	source := utilityNode(reg, "source", nil)
	source.Inputs[0].Default = "hello"

	g := loom.NewGraph("shout", "Shout")
	g.Nodes = []loom.Node{
		source,
		utilityNode(reg, "upper", loom.Settings{
			"operation": "script",
			"script":    `function exec(input) return string.upper(input) end`,
		}),
	}
	g.Edges = []loom.Edge{link("source", "upper")}

	run, err := loom.New(reg, loom.Capabilities{}).Run(context.Background(), g)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(run.Status)
	fmt.Println(run.Outcomes["upper"].Outputs["output"])
	// Output:
	// completed
	// HELLO
}

// ExampleDocument shows edits with undo and redo.
func ExampleDocument() {
	reg := builtin.NewRegistry()
	doc := loom.NewDocument(loom.NewGraph("draft", "Draft"))

	if _, err := doc.Apply(loom.AddNode{Node: utilityNode(reg, "a", nil)}); err != nil {
		log.Fatal(err)
	}
	if _, err := doc.Apply(loom.AddNode{Node: utilityNode(reg, "b", nil)}); err != nil {
		log.Fatal(err)
	}
	fmt.Println(len(doc.Graph().Nodes))

	if _, err := doc.Undo(); err != nil {
		log.Fatal(err)
	}
	fmt.Println(len(doc.Graph().Nodes), doc.CanUndo(), doc.CanRedo())

	if _, err := doc.Redo(); err != nil {
		log.Fatal(err)
	}
	fmt.Println(len(doc.Graph().Nodes), doc.CanRedo())
	// Output:
	// 2
	// 1 true true
	// 2 false
}
