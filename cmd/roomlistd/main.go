package main

import (
	"flag"
	"os"

	roomlist "github.com/matrix-org/roomlist"
	"github.com/matrix-org/roomlist/list"
)

var (
	flagDestinationServer = flag.String("server", "", "The destination v2 matrix server")
	flagBindAddr          = flag.String("port", ":8008", "Bind address")
	flagAccessToken       = flag.String("token", "", "Access token for the syncing user")
	flagSentryDSN         = flag.String("sentry", "", "Sentry DSN for error reporting (optional)")
	flagOnlyLeft          = flag.Bool("only-left", false, "Show only rooms the user has left")
	flagOnlyDirect        = flag.Bool("only-direct", false, "Show only direct rooms (not yet implemented)")
	flagOnlyGroups        = flag.Bool("only-groups", false, "Show only group rooms (not yet implemented)")
)

func main() {
	flag.Parse()
	if *flagDestinationServer == "" || *flagAccessToken == "" {
		flag.Usage()
		os.Exit(1)
	}
	roomlist.RunRoomListServer(roomlist.Opts{
		DestinationServer: *flagDestinationServer,
		AccessToken:       *flagAccessToken,
		BindAddr:          *flagBindAddr,
		SentryDSN:         *flagSentryDSN,
		Config: list.Config{
			OnlyLeft:   *flagOnlyLeft,
			OnlyDirect: *flagOnlyDirect,
			OnlyGroups: *flagOnlyGroups,
		},
	})
}
