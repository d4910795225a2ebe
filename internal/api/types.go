package api

// FillRequest asks for one fill. Exactly one of Sequence or Grid is used:
//
//   - Sequence runs the full two-stage 2D pipeline over a prefix followed by
//     a terminator and the unknown grid, and needs a server-side codec.
//   - Prefix plus Grid run refinement only. Prefix holds the first-stage
//     rows (one per batch row) and Grid the terminator and grid positions.
//
// Negative tokens mark unknown positions.
type FillRequest struct {
	Model    string  `json:"model,omitempty"`
	Sequence []int   `json:"sequence,omitempty"`
	Prefix   [][]int `json:"prefix,omitempty"`
	Grid     []int   `json:"grid,omitempty"`
	Layout   []int   `json:"layout"`
	PadID    int     `json:"pad_id,omitempty"`

	BatchSize  *int   `json:"batch_size,omitempty"`
	StepBudget *int   `json:"step_budget,omitempty"`
	TopK       *int   `json:"top_k,omitempty"`
	Seed       *int64 `json:"seed,omitempty"`
	// Policy is "forced" (default) or "confidence".
	Policy string `json:"policy,omitempty"`
	// VocabLimit bans every id at or above it. Zero uses the codec
	// vocabulary when one is configured.
	VocabLimit int `json:"vocab_limit,omitempty"`
}

type FillResponse struct {
	ID        string  `json:"id"`
	Object    string  `json:"object"`
	CreatedAt int64   `json:"created_at"`
	Model     string  `json:"model,omitempty"`
	Status    string  `json:"status"`
	Sequence  [][]int `json:"sequence"`
	Steps     int     `json:"steps"`
	Forced    []int   `json:"forced"`
	Exhausted bool    `json:"exhausted"`
}

type DeleteFillResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type ModelInfo struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
