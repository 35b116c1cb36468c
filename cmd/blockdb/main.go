package main

import (
	"context"

	"github.com/Blackdeer1524/BlockDB/cmd/blockdb/app"
)

func main() {
	app.MustExecute(context.Background())
}
