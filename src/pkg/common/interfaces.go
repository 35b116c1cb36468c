package common

import "github.com/Blackdeer1524/BlockDB/src/storage/page"

// FileStore is the block-granular disk collaborator.
// Partial-block access is not supported.
type FileStore interface {
	ReadBlock(blk BlockID, p *page.Page) error
	WriteBlock(blk BlockID, p *page.Page) error
	Append(fileName string) (BlockID, error)
	Size(fileName string) (int, error)
	BlockSize() int
}

// LogFlusher makes the log durable up to (and including) the given LSN.
type LogFlusher interface {
	Flush(lsn LSN) error
}
