package nn

// ImageLabels holds the objects found in (or labelled on) a single image
type ImageLabels struct {
	Filename string            `json:"filename,omitempty"`
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	Objects  []ObjectDetection `json:"objects"`
}

// ObjectDetection is an object that a neural network has found in an image
type ObjectDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}
