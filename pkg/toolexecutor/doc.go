// Package toolexecutor is the tool registry: a static catalog of tool
// descriptors plus a dispatcher that runs a tool by name.
//
// Invariants:
// - Tool names are unique and versions are valid semver.
// - Execute never panics or returns an error; every failure becomes OK=false.
// - Every result carries at least a start and an end log line.
// - Input is validated against the descriptor's JSON schema before the handler runs.
// - An unknown tool yields OK=false with Error "unknown_tool".
//
// Usage:
//
//	reg := toolexecutor.New(toolexecutor.Config{Logger: logger})
//	_ = reg.Register(toolexecutor.Tool{
//		Descriptor: toolexecutor.ToolDescriptor{Name: "echo", Version: "1.0.0", InputSchema: schema},
//		Handler:    toolexecutor.Typed(func(ctx context.Context, in EchoInput) (EchoOutput, error) { ... }),
//	})
//	result := reg.Execute(ctx, "echo", json.RawMessage(`{"text":"hi"}`))
package toolexecutor
