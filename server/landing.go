package server

import (
	_ "embed"
)

//go:embed landing.html
var landingPage []byte
