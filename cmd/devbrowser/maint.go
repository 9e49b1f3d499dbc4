package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/roelfdiedericks/devbrowser/internal/client"
	"github.com/roelfdiedericks/devbrowser/internal/config"
	"github.com/roelfdiedericks/devbrowser/internal/engine"
	"github.com/roelfdiedericks/devbrowser/internal/paths"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// ConfigCmd groups config file commands.
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write a config file with the defaults."`
	Show ConfigShowCmd `cmd:"" help:"Print the effective config."`
}

// ConfigInitCmd writes the default config.
type ConfigInitCmd struct {
	Path  string `arg:"" optional:"" type:"path" help:"Where to write (default ~/.devbrowser/devbrowser.toml)."`
	Force bool   `help:"Overwrite an existing file." short:"f"`
}

func (c *ConfigInitCmd) Run(g *Globals) error {
	g.initLogging()
	path := c.Path
	if path == "" {
		p, err := paths.DefaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := config.WriteDefault(path, c.Force); err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

// ConfigShowCmd prints the merged config as TOML.
type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run(g *Globals) error {
	g.initLogging()
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	if cfg.Source != "" {
		fmt.Println(dimStyle.Render("# from " + cfg.Source))
	}
	_, err = os.Stdout.Write(data)
	return err
}

// BrowserCmd groups browser binary commands.
type BrowserCmd struct {
	Download BrowserDownloadCmd `cmd:"" help:"Download Chromium into the bin dir."`
	Which    BrowserWhichCmd    `cmd:"" help:"Print the browser executable that would be launched."`
}

// BrowserDownloadCmd fetches Chromium.
type BrowserDownloadCmd struct{}

func (c *BrowserDownloadCmd) Run(g *Globals) error {
	g.initLogging()
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	bin, err := engine.NewDownloader(cfg.Engine.BinDir).Download()
	if err != nil {
		return err
	}
	fmt.Println(bin)
	return nil
}

// BrowserWhichCmd resolves the executable without downloading.
type BrowserWhichCmd struct{}

func (c *BrowserWhichCmd) Run(g *Globals) error {
	g.initLogging()
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	bin, err := engine.LocateExecutable(cfg.Engine.ChromePath, engine.NewDownloader(cfg.Engine.BinDir), false)
	if err != nil {
		return err
	}
	fmt.Println(bin)
	return nil
}

// ProfileCmd groups profile commands. Profiles must not be in use by a
// running server while they are cleared.
type ProfileCmd struct {
	List  ProfileListCmd  `cmd:"" help:"List profiles."`
	Clear ProfileClearCmd `cmd:"" help:"Clear a profile (cookies, storage, cache)."`
}

// ProfileListCmd lists profiles with their size.
type ProfileListCmd struct{}

func (c *ProfileListCmd) Run(g *Globals) error {
	g.initLogging()
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	profiles, err := engine.NewProfileManager(cfg.Engine.Dir).List()
	if err != nil {
		return err
	}
	return printProfiles(os.Stdout, cfg.Engine.Profile, profiles)
}

// serverRunning reports whether a server answers on the configured port.
func serverRunning(cfg *config.Config) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Connect(ctx, fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port))
	return err == nil
}

func printProfiles(w io.Writer, active string, profiles []engine.ProfileInfo) error {
	if len(profiles) == 0 {
		_, err := fmt.Fprintln(w, dimStyle.Render("no profiles"))
		return err
	}
	fmt.Fprintf(w, "%s\n", headerStyle.Render(fmt.Sprintf("%-24s %10s  %s", "NAME", "SIZE", "LAST USED")))
	for _, p := range profiles {
		mark := ""
		if p.Name == active {
			mark = " *"
		}
		fmt.Fprintf(w, "%-24s %10s  %s%s\n", p.Name, engine.FormatSize(p.Size), p.LastUsed.Format("2006-01-02 15:04"), mark)
	}
	return nil
}

// ProfileClearCmd empties a profile directory.
type ProfileClearCmd struct {
	Name string `arg:"" optional:"" help:"Profile name (default: the configured profile)."`
}

func (c *ProfileClearCmd) Run(g *Globals) error {
	g.initLogging()
	cfg, err := config.Load(g.Config)
	if err != nil {
		return err
	}
	name := c.Name
	if name == "" {
		name = cfg.Engine.Profile
	}
	if serverRunning(cfg) {
		return fmt.Errorf("a server is running on port %d; shut it down first", cfg.Server.Port)
	}
	if err := engine.NewProfileManager(cfg.Engine.Dir).Clear(name); err != nil {
		return err
	}
	fmt.Println("cleared", name)
	return nil
}
