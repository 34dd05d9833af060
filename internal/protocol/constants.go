package protocol

const (
	WSSubprotocolV1Text = "v1.text.spacetimedb"
)

type Compression string

const (
	CompressionNone Compression = "None"
	CompressionGzip Compression = "Gzip"
)
