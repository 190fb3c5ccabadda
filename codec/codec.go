package codec

// Codec encodes/decodes values V to []byte for storage. The cache applies it
// per list item, so V is one entity, never a whole page.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
