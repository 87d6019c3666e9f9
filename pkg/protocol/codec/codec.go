package codec

// Codec marshals protocol message bodies for exchange with the coordinator.
// Implementations must be deterministic so signed transcripts stay stable.
type Codec interface {
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the JSON and CBOR codecs.
func NewRegistry() *Registry {
    r := &Registry{byType: make(map[string]Codec)}
    r.Register(JSON())
    if c, err := CBOR(); err == nil {
        r.Register(c)
    }
    return r
}

// Register adds a codec, replacing any prior codec for the same content type.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }
