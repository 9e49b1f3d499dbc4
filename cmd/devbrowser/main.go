// Command devbrowser runs a long-lived browser behind a small JSON HTTP API
// and talks to a running one.
package main

import (
	"os"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/devbrowser/internal/client"
	. "github.com/roelfdiedericks/devbrowser/internal/logging"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config string `help:"Config file (TOML or YAML)." short:"c" type:"path" env:"DEVBROWSER_CONFIG"`
	Debug  bool   `help:"Debug logging." short:"d"`
}

// CLI is the command tree. serve is the default.
type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Start the browser server (default)."`
	Version VersionCmd `cmd:"" help:"Print the version."`
	Cfg     ConfigCmd  `cmd:"" name:"config" help:"Manage the config file."`
	Browser BrowserCmd `cmd:"" help:"Manage the browser binary."`
	Profile ProfileCmd `cmd:"" name:"profiles" help:"Manage browser profiles."`

	Pages      PagesCmd      `cmd:"" help:"List pages on a running server."`
	Open       OpenCmd       `cmd:"" help:"Open (or reuse) a named page."`
	Close      CloseCmd      `cmd:"" help:"Close a named page."`
	Goto       GotoCmd       `cmd:"" help:"Navigate a page."`
	Eval       EvalCmd       `cmd:"" help:"Evaluate JavaScript in a page."`
	Screenshot ScreenshotCmd `cmd:"" help:"Screenshot a page."`
	Text       TextCmd       `cmd:"" help:"Print a page's readable text."`
	Events     EventsCmd     `cmd:"" help:"Stream server events."`
	Metrics    MetricsCmd    `cmd:"" help:"Print server metrics."`
	Shutdown   ShutdownCmd   `cmd:"" help:"Stop a running server."`
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	_, err := os.Stdout.WriteString("devbrowser " + version + "\n")
	return err
}

// initLogging sets up logging for commands that do not load the config.
func (g *Globals) initLogging() {
	level := LevelInfo
	if g.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, TimeFormat: "15:04:05"})
}

func options() []kong.Option {
	return []kong.Option{
		kong.Name("devbrowser"),
		kong.Description("A persistent browser you drive over HTTP."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{"default_url": client.DefaultURL},
	}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli, options()...)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
