// SPDX-License-Identifier: MIT

// Package policy classifies tool calls and gates guarded ones behind
// one-shot operator confirmations.
package policy

// Classification is the closed three-tier tool risk set.
type Classification string

const (
	SafeRead     Classification = "safe_read"
	GuardedWrite Classification = "guarded_write"
	Blocked      Classification = "blocked"
)

// The allow-sets are immutable. Any tool name absent from both is blocked.
var (
	safeReadTools = map[string]bool{
		"memory.search":    true,
		"memory.recall":    true,
		"file.read":        true,
		"file.list":        true,
		"web.search":       true,
		"web.fetch":        true,
		"calendar.list":    true,
		"weather.current":  true,
		"time.now":         true,
		"vision.describe":  true,
		"session.info":     true,
		"knowledge.lookup": true,
	}

	guardedWriteTools = map[string]bool{
		"file.write":      true,
		"file.delete":     true,
		"file.move":       true,
		"shell.run":       true,
		"email.send":      true,
		"calendar.create": true,
		"calendar.delete": true,
		"memory.forget":   true,
		"http.post":       true,
		"device.control":  true,
	}
)

// Classify returns the risk tier for a tool name. Deny by default.
func Classify(tool string) Classification {
	switch {
	case safeReadTools[tool]:
		return SafeRead
	case guardedWriteTools[tool]:
		return GuardedWrite
	default:
		return Blocked
	}
}
