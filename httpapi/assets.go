package httpapi

import (
	"embed"
	"io/fs"
)

// The demo page grows its document after load so restores can be watched
// against a real browser.
//
//go:embed assets/*
var embeddedAssets embed.FS

var assetsFS fs.FS

func init() {
	sub, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		assetsFS = embeddedAssets
		return
	}
	assetsFS = sub
}
