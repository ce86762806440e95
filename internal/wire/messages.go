// Package wire implements the peer-to-peer transport: a
// bidirectional-stream-capable gRPC service with two operations,
// StreamTopic and StreamFile, hand-composed against
// google.golang.org/grpc without a protoc code-generation step. Message
// payloads are plain structs rather than a zero-copy wire format, kept
// simple since both peers run the same binary.
package wire

// TopicRequest opens a StreamTopic call at the given offset.
type TopicRequest struct {
	Topic  string `json:"topic"`
	Offset int64  `json:"offset"`
}

// HeaderKV is one entry of Batch.Shared.
type HeaderKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Batch is one emitted record, with the subset of headers the producer's
// whitelist forwards.
type Batch struct {
	Topic  string     `json:"topic"`
	Offset int64      `json:"offset"`
	Key    []byte     `json:"key"`
	Value  []byte     `json:"value"`
	Shared []HeaderKV `json:"shared"`
}

// FileStreamRequest opens a StreamFile call. StartSequenceID of 0 means
// "from beginning".
type FileStreamRequest struct {
	Topic           string `json:"topic"`
	StartSequenceID int64  `json:"start_sequence_id"`
}

// Chunk is one message in a file streaming sequence. The final chunk of
// a file carries IsLastChunk=true, FileChecksum set, and no ChunkData.
type Chunk struct {
	FileName       string `json:"file_name"`
	ChunkData      []byte `json:"chunk_data"`
	ChunkIndex     int32  `json:"chunk_index"`
	TotalChunks    int32  `json:"total_chunks"`
	IsLastChunk    bool   `json:"is_last_chunk"`
	FileChecksum   string `json:"file_checksum,omitempty"`
	FileSize       int64  `json:"file_size"`
	FileSequenceID int64  `json:"file_sequence_id"`
}

// AuthorizationHeader is the gRPC metadata key carrying the bearer token.
const AuthorizationHeader = "authorization"
