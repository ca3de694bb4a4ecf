package oracle

import "errors"

var (
	ErrStalePrice       = errors.New("stale price")
	ErrInvalidPrice     = errors.New("invalid price")
	ErrNoValidSources   = errors.New("no valid price sources")
	ErrSourceMismatch   = errors.New("price sources disagree")
	ErrUnsupportedAsset = errors.New("asset has no price feed")
	ErrUnknownSource    = errors.New("unknown price source")
	ErrSourceExists     = errors.New("price source already registered")
	ErrFeedNotFound     = errors.New("feed not found")
)
