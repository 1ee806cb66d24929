package types

// FaceResult matches the JSON structure coming back from the Python engine for a detected face
type FaceResult struct {
	Box       [4]int       `json:"box"`       // [left, top, right, bottom]
	Landmarks [][2]float64 `json:"landmarks"` // 5 points: left eye, right eye, nose, mouth left, mouth right
	Score     float64      `json:"score"`
}

// ErrorResult captures the error object returned by a child process on failure
type ErrorResult struct {
	Error string `json:"error"`
}

// EngineRequest is the header frame sent to the Python engine.
// The image payload (PNG) follows as a second frame.
type EngineRequest struct {
	ID        uint64    `json:"id"` // echoed in the response
	Op        string    `json:"op"` // detect, restore, embed, swap, upscale, score
	ManyFaces bool      `json:"many_faces,omitempty"`
	Fidelity  float64   `json:"fidelity,omitempty"`
	Scale     int       `json:"scale,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Path      string    `json:"path,omitempty"`
	Interval  int       `json:"interval,omitempty"`
}

// EngineResponse is the header frame returned by the Python engine.
// An image payload (PNG) follows as a second frame, empty when the op returns no image.
type EngineResponse struct {
	ErrorResult
	ID        uint64       `json:"id"`
	Faces     []FaceResult `json:"faces,omitempty"`
	Embedding []float32    `json:"embedding,omitempty"`
	Scores    []float64    `json:"scores,omitempty"`
}

// FrameEvent is streamed by a worker process once per processed frame.
// The last event of a chunk has Done set and carries no frame.
type FrameEvent struct {
	Index int    `json:"index"`
	Path  string `json:"path,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Done  bool   `json:"done,omitempty"`
}
