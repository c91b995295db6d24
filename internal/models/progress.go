package models

import "time"

// Progress is a derived view over batch counters.
type Progress struct {
	Total      int           `json:"total"`
	Processed  int           `json:"processed"`
	Failed     int           `json:"failed"`
	Remaining  int           `json:"remaining"`
	Percentage int           `json:"percentage"`
	ETA        time.Duration `json:"eta_ns,omitempty"`
}

// ComputeProgress derives percentage and remaining work from raw counts.
// Percentage rounds half up and is 100 for an empty batch.
func ComputeProgress(total, processed, failed int) Progress {
	p := Progress{Total: total, Processed: processed, Failed: failed}
	attempted := processed + failed
	if total <= 0 {
		p.Percentage = 100
		return p
	}
	if attempted > total {
		attempted = total
	}
	if attempted < 0 {
		attempted = 0
	}
	p.Remaining = total - attempted
	p.Percentage = (200*attempted + total) / (2 * total)
	if p.Percentage > 100 {
		p.Percentage = 100
	}
	return p
}

// EstimateProgress adds an ETA extrapolated from the observed item rate since start.
func EstimateProgress(op *BulkOperation, now time.Time) Progress {
	p := ComputeProgress(op.TotalItems, op.ProcessedItems, op.FailedItems)
	if op.StartedAt == nil || p.Remaining == 0 {
		return p
	}
	attempted := op.Attempted()
	if attempted == 0 {
		return p
	}
	elapsed := now.Sub(*op.StartedAt)
	if elapsed <= 0 {
		return p
	}
	perItem := elapsed / time.Duration(attempted)
	p.ETA = perItem * time.Duration(p.Remaining)
	return p
}
