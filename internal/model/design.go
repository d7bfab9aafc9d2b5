package model

// EditKind tags an EditInstruction variant
type EditKind string

const (
	EditSetText          EditKind = "setText"
	EditLoadImageFromURL EditKind = "loadImageFromUrl"
	EditMoveLayer        EditKind = "moveLayer"
	EditPlaceTag         EditKind = "placeTag"
)

// EditInstruction is one typed edit the rendering engine applies to the
// template document. Only the fields for the tagged kind are set.
//
// Ordering contract: all setText/loadImageFromUrl instructions must be
// applied before any moveLayer instruction, because image loads create new
// layers that are then relocated into the slot of the placeholder they
// replace. Export follows all moves.
type EditInstruction struct {
	Kind EditKind `json:"kind"`

	// setText / loadImageFromUrl / placeTag
	LayerName string `json:"layerName,omitempty"`

	// setText / placeTag
	Value string `json:"value,omitempty"`

	// loadImageFromUrl
	URL          string `json:"url,omitempty"`
	NewLayerName string `json:"newLayerName,omitempty"`

	// moveLayer
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// placeTag
	NormX float64 `json:"normX,omitempty"`
	NormY float64 `json:"normY,omitempty"`
}

// ExportFormat identifies one of the output formats a render produces
type ExportFormat string

const (
	FormatDocument ExportFormat = "psd"
	FormatRaster   ExportFormat = "jpg"
)

// ExportFormats is the pair every successful render must produce
var ExportFormats = []ExportFormat{FormatDocument, FormatRaster}

// Export is the finished output pair of one render: the editable layered
// document plus the flattened raster, with the raster's content hash.
type Export struct {
	Document []byte `json:"-"`
	Raster   []byte `json:"-"`
	Hash     string `json:"hash"`
}

// Complete reports whether both parts of the pair are present
func (e *Export) Complete() bool {
	return len(e.Document) > 0 && len(e.Raster) > 0
}
