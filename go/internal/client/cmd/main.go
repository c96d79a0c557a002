// Command pollwatch lists polls, watches one live and votes from the terminal.
//
//	pollwatch -list
//	pollwatch -watch <poll-id>
//
// While watching, type an option number to vote, n for the next poll or q to
// quit.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/livepoll/go/internal/client"
	"github.com/mcdev12/livepoll/go/internal/clientconfig"
	"github.com/mcdev12/livepoll/go/internal/models"
	"github.com/mcdev12/livepoll/go/internal/poll/coordinator"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	list := flag.Bool("list", false, "list polls with their tallies and exit")
	watch := flag.String("watch", "", "poll id to watch")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := clientconfig.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create client")
	}

	if *list || *watch == "" {
		if err := printPolls(ctx, c); err != nil {
			log.Fatal().Err(err).Msg("failed to list polls")
		}
		return
	}

	if err := c.Start(ctx); err != nil {
		// The views show the failure; Retry reopens the channel.
		log.Warn().Err(err).Msg("live channel unavailable")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown failed")
		}
	}()

	if err := run(ctx, c, *watch); err != nil {
		log.Error().Err(err).Msg("pollwatch failed")
	}
}

func printPolls(ctx context.Context, c *client.Client) error {
	polls, err := c.ListPolls(ctx)
	if err != nil {
		return err
	}
	if len(polls) == 0 {
		fmt.Println("no polls")
		return nil
	}
	for _, p := range polls {
		status := "open"
		if p.IsExpired {
			status = "closed"
		}
		fmt.Printf("%s  %s  [%s, %d votes]\n", p.ID, p.Question, status, len(p.Votes))
	}
	return nil
}

func run(ctx context.Context, c *client.Client, pollID string) error {
	changes, stopWatch := c.Coordinator.Watch()
	defer stopWatch()

	id, err := c.Watch(ctx, pollID)
	if err != nil {
		return err
	}

	commands := make(chan string)
	go readCommands(commands)

	for {
		select {
		case <-ctx.Done():
			return nil

		case change := <-changes:
			if change.ViewID == id {
				render(c, id)
			}

		case cmd, ok := <-commands:
			if !ok || cmd == "q" {
				return nil
			}
			next, err := handleCommand(ctx, c, id, cmd)
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			if next != id {
				id = next
				render(c, id)
			}
		}
	}
}

func handleCommand(ctx context.Context, c *client.Client, id coordinator.ViewID, cmd string) (coordinator.ViewID, error) {
	view, ok := c.Coordinator.View(id)
	if !ok {
		return id, fmt.Errorf("view closed")
	}

	switch cmd {
	case "":
		return id, nil
	case "r":
		return id, c.Retry(ctx, id)
	case "n":
		polls, err := c.ListPolls(ctx)
		if err != nil {
			return id, err
		}
		nextID, ok := client.NextPollID(polls, view.PollID)
		if !ok || nextID == view.PollID {
			return id, nil
		}
		next, err := c.Watch(ctx, nextID)
		if err != nil {
			return id, err
		}
		if err := c.Unwatch(ctx, id); err != nil {
			log.Warn().Err(err).Msg("failed to leave previous poll")
		}
		return next, nil
	}

	option, err := strconv.Atoi(cmd)
	if err != nil {
		return id, fmt.Errorf("unknown command %q", cmd)
	}
	// Options are shown starting at 1.
	if _, err := c.Vote(ctx, view.PollID, option-1); err != nil {
		return id, err
	}
	render(c, id)
	return id, nil
}

func readCommands(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- strings.TrimSpace(scanner.Text())
	}
}

func render(c *client.Client, id coordinator.ViewID) {
	view, ok := c.Coordinator.View(id)
	if !ok {
		return
	}

	fmt.Printf("\n[%s] ", view.State)
	if !view.HasPoll {
		if view.Err != nil {
			fmt.Printf("%v (r to retry)\n", view.Err)
		} else {
			fmt.Println("loading...")
		}
		return
	}

	fmt.Println(view.Poll.Question)
	own, voted := c.Store.OwnVote(view.PollID, c.Votes.User())
	for i, option := range view.Poll.Options {
		marker := " "
		if voted && own.OptionIndex == i {
			marker = "*"
		}
		fmt.Printf(" %s%d. %-20s %4d  %5.1f%%\n", marker, i+1, option, view.Tally.Counts[i], view.Tally.Percentage(i))
	}
	fmt.Printf("    %d votes", view.Tally.Total)
	if view.Expired {
		fmt.Print(", closed")
	}
	fmt.Println()

	if err := c.Votes.CanVote(view.PollID); err == nil {
		fmt.Printf("vote with 1-%d, n next poll, q quit\n", len(view.Poll.Options))
	} else if models.KindOf(err) == models.KindForbidden {
		fmt.Println("set POLL_TOKEN to vote, n next poll, q quit")
	}
}
