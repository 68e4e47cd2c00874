/*
Teal Mail Server - IMAP, POP3 and JMAP mailbox backend.
Copyright © 2025 The Teal Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package tealcli wraps the urfave/cli application object so that
// command implementations can register themselves from init functions.
package tealcli

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tealmail/teal/framework/log"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Usage = "IMAP, POP3 and JMAP mailbox backend"
	app.Description = `Teal serves one mailbox store to IMAP4rev1, POP3 and JMAP clients
simultaneously, keeping all three views of a mailbox consistent through a
shared change journal.

This executable starts the server ('run') and provides maintenance
subcommands for the databases used by it.`
	app.Authors = []*cli.Author{
		{
			Name: "Teal Mail Server maintainers & contributors",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
}

// AddGlobalFlag registers a top-level command line flag.
func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
}

// AddSubcommand registers a subcommand.
func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

// Run parses os.Args and dispatches to the matched subcommand.
func Run() {
	// The actual entry point is registered in teal.go.
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
