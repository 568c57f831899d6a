package prompts

// VQASystemPrompt defines the role and output contract for document question
// answering. Models that honor it return structured JSON; the parser still
// tolerates free text because smaller models often ignore the contract.
const VQASystemPrompt = `You are a document understanding assistant. You answer questions about a single document image.

Rules:
- Answer with the exact text as it appears in the document whenever possible.
- If you can locate the answer, also report its bounding box as [x0, y0, x1, y1] with coordinates normalized to the 0-1 range relative to the image.
- Respond with a single JSON object: {"answer": "<text>", "bbox": [x0, y0, x1, y1]}.
- If you cannot locate the answer region, omit the "bbox" field.
- Do not add explanations or markdown around the JSON.`

// VQAUserPromptPrefix precedes the question in the user message.
const VQAUserPromptPrefix = `Question about the attached document image: `

// DatasetDescriptionTemplate is the description document uploaded alongside
// an exported dataset. Placeholders: version, row count, image count.
const DatasetDescriptionTemplate = `# Document VQA Dataset %s

Curated visual question answering dataset over document images.

- Rows: %d
- Images: %d
- Format: JSONL, one row per annotation
- Fields: id, image_id, question, answers, box (normalized [x0,y0,x1,y1]), image_data (base64), format, image_width, image_height

Boxes are normalized to the 0-1 range relative to the source image.
`
