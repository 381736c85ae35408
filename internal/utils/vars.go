package utils

import (
	"errors"
	"regexp"
)

const (
	DefaultUserAgent = "fetchd/1.0"
	PartSuffix       = ".part"
	LogFile          = ".fetchd.log"

	DefaultBlockSize = 8192
	MinBlockSize     = 1024
	MaxBlockSize     = 65536
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("download not found")
	ErrSizeProbe    = errors.New("size probe failed")
	ErrTransfer     = errors.New("transfer failed")
	ErrPersistence  = errors.New("persistence failed")
	ErrRename       = errors.New("rename failed")
)

var SegmentIDRegex = regexp.MustCompile(`\.part(\d+)$`)
var fileNameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// Local-only User-Agent list, used with --user-agent randomize
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"curl/7.88.1",
	"Wget/1.21.4",
}
