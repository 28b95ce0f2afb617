package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"offgrid/internal/api"
	"offgrid/internal/backend"

	"github.com/spf13/cobra"
)

func newAddUserCmd() *cobra.Command {
	var displayName string

	cmd := &cobra.Command{
		Use:   "add-user <username>",
		Short: "Create a user through the admin API and print the setup link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := addUser(cmd.Context(), cfg.AdminAddr, args[0], displayName)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\nUser Created Successfully!\n")
			fmt.Fprintf(out, "Username:           %s\n", result.Username)
			fmt.Fprintf(out, "Registration token: %s\n", result.RegistrationToken)
			fmt.Fprintf(out, "Setup Link:         %s\n\n", result.SetupLink)
			fmt.Fprintln(out, "Please share this link with the user to complete registration.")
			return nil
		},
	}

	cmd.Flags().StringVar(&displayName, "display-name", "", "display name shown to other users")
	return cmd
}

func addUser(ctx context.Context, adminAddr, username, displayName string) (api.AddUserResponse, error) {
	var result api.AddUserResponse

	reqBody, err := json.Marshal(api.AddUserRequest{Username: username, DisplayName: displayName})
	if err != nil {
		return result, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", adminAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return result, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return result, fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return result, fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}

func newRegisterCmd() *cobra.Command {
	var server, token, password string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Set the password of an invited user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token is required")
			}
			if password == "" {
				var err error
				if password, err = prompt(cmd, "Password: "); err != nil {
					return err
				}
			}

			client := backend.NewClient(serverURL(server), nil, log)
			if err := client.Register(cmd.Context(), token, password); err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}
			user, err := client.CurrentUser(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s). You can now log in.\n", user.UserName, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "server base URL (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "registration token from the setup link")
	cmd.Flags().StringVar(&password, "password", "", "new password (prompted when empty)")
	return cmd
}

func serverURL(flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.BaseURL
}

func prompt(cmd *cobra.Command, label string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
