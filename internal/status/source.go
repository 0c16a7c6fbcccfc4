package status

// Source is where the monitor gets agent status from. The file-backed
// FileStore is the only implementation today; the protocol it carries
// (single writer per record, reads never block writers) is what matters,
// so a socket- or queue-backed source can replace it without touching the
// monitor or orchestrator.
type Source interface {
	// Read returns the record for one agent, or (nil, nil) if the agent has
	// not written anything yet. A *CorruptError means the record exists but
	// could not be parsed.
	Read(agentID string) (*Record, error)

	// Scan discovers every record under the source. Unparseable records are
	// returned separately rather than aborting the sweep.
	Scan() ([]*Record, []*CorruptError, error)
}
