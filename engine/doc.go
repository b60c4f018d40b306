// Package engine drives the fetch→process→commit polling loop for every
// registered tracked entity.
//
// Each entity gets one Orchestrator goroutine running strictly sequential
// cycles: load the cursor, fetch a bounded batch strictly after the
// watermark, apply the entity's sink to every record in order, then commit
// the new watermark. The watermark only advances after the whole batch has
// been applied, which gives at-least-once delivery with no silent loss. A
// full batch triggers an immediate follow-up cycle to drain backlog; errors
// back the entity off exponentially based on its persisted consecutive-error
// count.
package engine
