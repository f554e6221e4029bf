// Package cli implements the interactive operator console. It offers
// the same controls an in-band admin has (announcements, kicks,
// shutdown) plus live status tables, without needing a chat client.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/retrotalk-project/retrotalk/internal/chat"
	"github.com/retrotalk-project/retrotalk/internal/config"
	"github.com/retrotalk-project/retrotalk/internal/events"
	"github.com/retrotalk-project/retrotalk/internal/registry"
)

// Console provides an interactive command-line interface.
type Console struct {
	cfg  *config.Config
	bus  *events.Bus
	reg  *registry.Registry
	disp *chat.Dispatcher
}

// NewConsole creates a new console handler.
func NewConsole(cfg *config.Config, bus *events.Bus, reg *registry.Registry, disp *chat.Dispatcher) *Console {
	return &Console{
		cfg:  cfg,
		bus:  bus,
		reg:  reg,
		disp: disp,
	}
}

// Start begins the interactive console loop. It returns when stdin is
// closed or ctx is cancelled.
func (c *Console) Start(ctx context.Context) {
	fmt.Println("\nRetroTalk console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("retrotalk> ")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line != "" {
				parts := strings.Fields(line)
				if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
					fmt.Printf("Error: %v\n", err)
				}
			}
			fmt.Print("retrotalk> ")
		}
	}
}

// execute processes a single console command.
func (c *Console) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "users", "who":
		c.printUsers()
	case "rooms":
		c.printRooms()
	case "announce", "bcast":
		return c.cmdAnnounce(ctx, args)
	case "kick":
		return c.cmdKick(ctx, args)
	case "quit", "exit", "q", "shutdown":
		fmt.Println("Shutting down RetroTalk...")
		c.bus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "console",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *Console) printHelp() {
	fmt.Println()
	fmt.Println("  status           Show server statistics")
	fmt.Println("  users            List online users")
	fmt.Println("  rooms            List active rooms")
	fmt.Println("  announce <text>  Broadcast an announcement to all users")
	fmt.Println("  kick <nickname>  Disconnect a user")
	fmt.Println("  shutdown         Shut down the server")
	fmt.Println("  help             Show this help message")
	fmt.Println()
}

func (c *Console) printStatus() {
	stats := c.reg.Stats()

	fmt.Printf("\n  Server:          %s\n", c.cfg.Server.Name)
	fmt.Printf("  Uptime:          %s\n", stats.Uptime)
	fmt.Printf("  Online users:    %d (peak %d)\n", stats.Users, stats.PeakUsers)
	fmt.Printf("  Active rooms:    %d\n", stats.Rooms)
	fmt.Printf("  Total connects:  %d\n", stats.TotalConnects)
	fmt.Println()
}

func (c *Console) printUsers() {
	users := c.reg.Users()
	if len(users) == 0 {
		fmt.Println("No users online.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"UID", "Nickname", "Level", "Mode", "Rooms", "Address"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, u := range users {
		mode := "online"
		switch u.Mode() {
		case 0:
			mode = "offline"
		case 2:
			mode = "away"
		}
		tw.Append([]string{
			fmt.Sprintf("%d", u.UID),
			u.Nickname,
			u.Level.String(),
			mode,
			fmt.Sprintf("%d", len(u.Rooms())),
			u.RemoteAddr(),
		})
	}

	tw.Render()
	fmt.Println()
}

func (c *Console) printRooms() {
	rooms := c.reg.Rooms()
	if len(rooms) == 0 {
		fmt.Println("No active rooms.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Name", "Rating", "Members", "Voice", "Private", "Permanent", "Created"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, r := range rooms {
		tw.Append([]string{
			fmt.Sprintf("%d", r.ID),
			r.Name,
			r.Rating,
			fmt.Sprintf("%d", c.reg.MemberCount(r.ID)),
			yesNo(r.Voice),
			yesNo(r.Private),
			yesNo(r.Permanent),
			r.CreatedAt.Format(time.Kitchen),
		})
	}

	tw.Render()
	fmt.Println()
}

func (c *Console) cmdAnnounce(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: announce <text>")
	}

	text := strings.Join(args, " ")
	c.disp.Announce(ctx, text)
	fmt.Printf("Announcement sent to %d users\n", c.reg.Stats().Users)
	return nil
}

func (c *Console) cmdKick(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <nickname>")
	}

	u, ok := c.reg.UserByNickname(args[0])
	if !ok {
		return fmt.Errorf("user %q is not online", args[0])
	}

	// Closing the connection lets the read loop run its normal
	// departure cleanup.
	if conn := u.Conn(); conn != nil {
		conn.Close()
	}
	fmt.Printf("Kicked %s (uid %d)\n", u.Nickname, u.UID)
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
