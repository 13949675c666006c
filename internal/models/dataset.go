package models

// EchoImage represents a single preprocessed echo time series with metadata
type EchoImage struct {
	// Path is the absolute path of the image
	Path string

	// Filename is the base name of the image
	Filename string

	// Label is the task/run label, e.g. "task-sentence_run-1"
	Label string

	// Echo is the echo number parsed from the "echo-N" field
	Echo int
}

// Cohort groups the echo images of one task/run combination. Images are kept
// in alphabetical order, which is ascending echo order because the echo field
// follows the task and run fields in BIDS names.
type Cohort struct {
	// Label is the shared task/run label
	Label string

	// Images are the echoes of this task/run
	Images []EchoImage
}

// Paths returns the image paths in cohort order
func (c Cohort) Paths() []string {
	paths := make([]string, len(c.Images))
	for i, img := range c.Images {
		paths[i] = img.Path
	}
	return paths
}

// Subject represents one sub-* folder of the derivatives tree
type Subject struct {
	// ID is the folder name, e.g. "sub-01"
	ID string

	// Root is the absolute path of the subject folder
	Root string
}
