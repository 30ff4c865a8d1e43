package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/signagectl/internal/session"
)

// sessionAction runs fn with a ready application and releases it afterwards.
func sessionAction(fn func(ctx context.Context, cmd *cli.Command, client *session.Client) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) (err error) {
		application, shutdown, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer flushLogs(shutdown)
		defer func() {
			err = errors.Join(err, application.Close())
		}()

		return fn(ctx, cmd, application.Session())
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "sign in with email and password and store the session",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "email",
				Usage:    "account email",
				Required: true,
				Sources:  cli.EnvVars(envPrefix + "EMAIL"),
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "account password (prompted when omitted)",
				Sources: cli.EnvVars(envPrefix + "PASSWORD"),
			},
		},
		Action: sessionAction(func(ctx context.Context, cmd *cli.Command, client *session.Client) error {
			password := cmd.String("password")
			if password == "" {
				var err error
				if password, err = readPassword(cmd); err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
			}

			if err := client.Login(ctx, cmd.String("email"), password); err != nil {
				return err
			}

			_, err := fmt.Fprintln(cmd.Root().Writer, "logged in as", cmd.String("email"))
			return err
		}),
	}
}

// readPassword prompts without echo on a terminal and reads one line otherwise.
func readPassword(cmd *cli.Command) (string, error) {
	in := cmd.Root().Reader
	if in == nil {
		in = os.Stdin
	}

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(cmd.Root().ErrWriter, "Password: ")
		password, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(cmd.Root().ErrWriter)
		return string(password), err
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "remove the stored session",
		Action: sessionAction(func(ctx context.Context, cmd *cli.Command, client *session.Client) error {
			if err := client.ClearSession(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.Root().Writer, "logged out")
			return err
		}),
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show whether a valid session is stored",
		Action: sessionAction(func(ctx context.Context, cmd *cli.Command, client *session.Client) error {
			out := cmd.Root().Writer

			if !client.IsAuthenticated(ctx) {
				_, err := fmt.Fprintln(out, "not authenticated")
				return err
			}

			claims, err := client.Claims(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "authenticated as %s (expires %s)\n",
				claims.Subject, claims.Expiry.Local().Format(time.RFC3339))
			return err
		}),
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "print the stored access token",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "header",
				Usage: "print as an Authorization header",
			},
		},
		Action: sessionAction(func(ctx context.Context, cmd *cli.Command, client *session.Client) error {
			tok, err := client.Token()
			if err != nil {
				return fmt.Errorf("no stored session, run 'signagectl login': %w", err)
			}

			out := cmd.Root().Writer
			if cmd.Bool("header") {
				_, err = fmt.Fprintf(out, "Authorization: %s %s\n", tok.Type(), tok.AccessToken)
				return err
			}
			_, err = fmt.Fprintln(out, tok.AccessToken)
			return err
		}),
	}
}

func requestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "send an authenticated request and print the response body",
		ArgsUsage: "METHOD PATH",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "JSON request body",
			},
		},
		Action: sessionAction(func(ctx context.Context, cmd *cli.Command, client *session.Client) error {
			if cmd.Args().Len() != 2 {
				return fmt.Errorf("expected METHOD and PATH, got %d arguments", cmd.Args().Len())
			}
			method := strings.ToUpper(cmd.Args().Get(0))
			path := cmd.Args().Get(1)

			req, err := session.NewRequest(method, path, nil)
			if err != nil {
				return err
			}
			if data := cmd.String("data"); data != "" {
				if !json.Valid([]byte(data)) {
					return errors.New("--data is not valid JSON")
				}
				req.Body = []byte(data)
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := client.Send(ctx, req)
			if err != nil {
				if session.IsSessionExpired(err) {
					return fmt.Errorf("%w, run 'signagectl login'", err)
				}
				return err
			}

			out := cmd.Root().Writer
			if resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
				_, err = fmt.Fprintln(out, resp.StatusCode, http.StatusText(resp.StatusCode))
				return err
			}
			if _, err := out.Write(resp.Body); err != nil {
				return err
			}
			_, err = fmt.Fprintln(out)
			return err
		}),
	}
}
