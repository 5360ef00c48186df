/*
Package loom executes content workflows described as directed acyclic graphs
of typed nodes.

A workflow is a Graph: nodes of a closed set of types (research,
content-generation, content-editing, format, output, utility) joined by
edges between typed ports. A Registry maps each type to a Behavior, and an
Engine runs the graph level by level, executing independent nodes in
parallel through a bounded worker pool.

Basic usage:

	reg := loom.NewRegistry()
	builtin.Register(reg)

	engine := loom.New(reg, loom.Capabilities{Generator: gen})
	run, err := engine.Run(ctx, g)
	if err != nil {
		// *ValidationError or *CycleError: nothing was executed.
	}
	fmt.Println(run.Status)

Editing:

	doc := loom.NewDocument(g)
	doc.Apply(loom.AddNode{Node: n})
	doc.Undo()

While a run started with StartDocument holds the document, edits fail with
*GraphLockedError.

Watching a run:

	exec, _ := engine.Start(ctx, g)
	for ev := range exec.Events() {
		fmt.Println(ev.Type, ev.NodeID)
	}

Failures are contained per node. A node that exhausts its retries is marked
error and everything downstream of it is skipped; independent branches keep
running. WithReuse re-runs only what did not complete last time.
*/
package loom
