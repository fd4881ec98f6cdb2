// Package browser provides session-scoped browser automation on go-rod and the
// browser_* tools built on it.
//
// Invariants:
//   - Every page belongs to exactly one caller-chosen session id.
//   - URLs pass the SecurityValidator before any navigation.
//   - Scripts pass ValidateScript before evaluation.
//
// Usage:
//
//	client := browser.NewRodClient(browser.Config{Headless: true}, logger)
//	defer client.Shutdown()
//	err := browser.Register(registry, browser.ToolOptions{Client: client, ArtifactDir: dir})
package browser
