// Package tool defines callable tools and the executor that runs them.
//
// The package is split by concern:
//   - tool: the Tool interface and the Func adapter
//   - manifest: descriptive metadata served to agents
//   - registry: name-keyed lookup of registered tools
//   - executor: invocation, call logging and lifecycle notifications
//   - builtins: tools that ship with the binary
//
// Every invocation that reaches a tool is recorded in a calllog.Store before
// the executor returns.
package tool
