package domain

// Sample is one evaluation unit streamed from the hosted dataset: a document
// image, a question, the accepted answers, and the ground-truth box in
// normalized [0,1] coordinates.
type Sample struct {
	ID        string      `json:"id"`
	Question  string      `json:"question"`
	Answers   []string    `json:"answers"`
	Box       BoundingBox `json:"box"`
	ImageData []byte      `json:"image_data"`
	Format    string      `json:"format"`
}

// DatasetRow is one normalized output row built by the export pipeline. It
// is the serialized form of a Sample plus provenance fields.
type DatasetRow struct {
	ID           string      `json:"id"`
	ImageID      string      `json:"image_id"`
	Question     string      `json:"question"`
	Answers      []string    `json:"answers"`
	Box          BoundingBox `json:"box"`
	ImageData    []byte      `json:"image_data"`
	Format       string      `json:"format"`
	ImageWidth   int         `json:"image_width"`
	ImageHeight  int         `json:"image_height"`
	AnnotatorRef string      `json:"annotator_ref,omitempty"`
}
