package utils

import "time"

type HTTPClientConfig struct {
	Timeout        time.Duration
	KATimeout      time.Duration
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	Headers        map[string]string
	HighThreadMode bool // larger socket buffers for many concurrent segments
}

// FileInfo is what a HEAD probe learned about a remote file. Size is 0 when unknown.
type FileInfo struct {
	Size         int64
	AcceptRanges bool
	FileName     string
}
