// Package engram is a persistent memory consolidation engine for
// conversational AI agents. It distills chat transcripts into structured
// facts, stores them in a temporally-versioned, hybrid-indexed store, and
// exposes retrieval surfaces that can be re-injected into future sessions.
//
// The root package holds the shared vocabulary: the Fact data model, the
// Store contract, LLM and embedding provider interfaces, the noise filter,
// and key normalization. Implementations live in subpackages:
//
//   - factstore/sqlite and factstore/postgres implement Store
//   - extract turns conversation text into candidate facts via an LLM
//   - dedup resolves semantic duplicates before commit
//   - pipeline orchestrates ingest end to end
//   - report renders digests and periodic summaries
//   - learning derives cases, patterns, and instincts
//   - mcp and cmd/engram expose the query/mutation surface
package engram
