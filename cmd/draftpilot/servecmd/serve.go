package servecmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/draftpilot/draftpilot/actionable"
	"github.com/draftpilot/draftpilot/contextsearch"
	"github.com/draftpilot/draftpilot/db"
	"github.com/draftpilot/draftpilot/escalation"
	"github.com/draftpilot/draftpilot/generation"
	"github.com/draftpilot/draftpilot/guardrail"
	"github.com/draftpilot/draftpilot/internal/configutil"
	"github.com/draftpilot/draftpilot/internal/healthcheck"
	"github.com/draftpilot/draftpilot/internal/logutil"
	"github.com/draftpilot/draftpilot/metrics"
	"github.com/draftpilot/draftpilot/participation"
	"github.com/draftpilot/draftpilot/pipeline"
	"github.com/draftpilot/draftpilot/providers/openai"
	"github.com/draftpilot/draftpilot/slackapi"
	"github.com/draftpilot/draftpilot/trigger"
	"github.com/draftpilot/draftpilot/usage"
	"github.com/draftpilot/draftpilot/workspaces"
)

// New builds the serve command: Socket Mode event loop, generation
// workers, and the interaction HTTP listener.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch Slack conversations and deliver reply suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			botToken := strings.TrimSpace(configutil.FlagOrViperString(cmd, "slack-bot-token", "slack.bot_token"))
			if botToken == "" {
				return fmt.Errorf("missing slack.bot_token (set via --slack-bot-token or DRAFTPILOT_SLACK_BOT_TOKEN)")
			}
			appToken := strings.TrimSpace(configutil.FlagOrViperString(cmd, "slack-app-token", "slack.app_token"))
			if appToken == "" {
				return fmt.Errorf("missing slack.app_token (set via --slack-app-token or DRAFTPILOT_SLACK_APP_TOKEN)")
			}
			llmAPIKey := strings.TrimSpace(configutil.FlagOrViperString(cmd, "llm-api-key", "llm.api_key"))
			if llmAPIKey == "" {
				return fmt.Errorf("missing llm.api_key (set via --llm-api-key or DRAFTPILOT_LLM_API_KEY)")
			}

			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dbCfg := db.DefaultConfig()
			dbCfg.Driver = configutil.FlagOrViperString(cmd, "db-driver", "db.driver")
			dbCfg.DSN = configutil.FlagOrViperString(cmd, "db-dsn", "db.dsn")
			gdb, err := db.Open(dbCfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}

			api := slackapi.New(nil, "", botToken, appToken)
			identity, err := api.AuthTest(ctx)
			if err != nil {
				return fmt.Errorf("slack auth.test: %w", err)
			}

			wsStore, err := workspaces.NewStore(gdb)
			if err != nil {
				return err
			}
			homeWS, err := wsStore.Ensure(ctx, identity.TeamID, identity.Team)
			if err != nil {
				return fmt.Errorf("ensure workspace: %w", err)
			}

			tracker, err := participation.NewTracker(gdb, logger)
			if err != nil {
				return err
			}
			classifier, err := trigger.NewClassifier(wsStore, tracker, &slackHistory{client: api}, identity.UserID, logger)
			if err != nil {
				return err
			}
			usageEnforcer, err := usage.NewEnforcer(gdb, logger)
			if err != nil {
				return err
			}
			guardEnforcer, err := guardrail.NewEnforcer(gdb, logger)
			if err != nil {
				return err
			}
			recorder, err := metrics.NewRecorder(gdb, logger)
			if err != nil {
				return err
			}
			detector, err := actionable.NewDetector(gdb, logger)
			if err != nil {
				return err
			}
			adminUserIDs := configutil.FlagOrViperStringArray(cmd, "admin-user-id", "escalation.admin_user_ids")
			alerts, err := escalation.NewGuard(gdb, &slackAdminNotifier{client: api}, logger)
			if err != nil {
				return err
			}
			index := contextsearch.NewIndex(logger)

			generator, err := openai.NewGenerator(llmAPIKey, configutil.FlagOrViperString(cmd, "llm-model", "llm.model"))
			if err != nil {
				return err
			}

			maxConc := configutil.FlagOrViperInt(cmd, "max-concurrency", "serve.max_concurrency")
			if maxConc <= 0 {
				maxConc = 4
			}
			workerCfg := generation.DefaultConfig()
			workerCfg.Concurrency = maxConc
			workerCfg.AdminUserIDs = adminUserIDs
			if timeout := viper.GetDuration("llm.request_timeout"); timeout > 0 {
				workerCfg.Timeout = timeout
			}
			worker, err := generation.NewWorker(
				gdb, generator, guardEnforcer, &slackDeliverer{client: api},
				recorder, usageEnforcer, detector, alerts, index, workerCfg, logger)
			if err != nil {
				return err
			}
			if err := worker.Start(ctx); err != nil {
				return fmt.Errorf("start generation worker: %w", err)
			}

			pipe, err := pipeline.New(classifier, usageEnforcer, worker, recorder, index, &slackLimitNotifier{client: api}, logger)
			if err != nil {
				return err
			}

			if listen := strings.TrimSpace(configutil.FlagOrViperString(cmd, "listen", "serve.listen")); listen != "" {
				srv, err := startInteractionListener(logger, listen, pipe)
				if err != nil {
					return fmt.Errorf("start interaction listener: %w", err)
				}
				defer shutdownServer(srv)
			}
			if healthAddr := healthcheck.NormalizeListen(configutil.FlagOrViperString(cmd, "health-listen", "health.listen")); healthAddr != "" {
				srv, err := healthcheck.StartServer(ctx, logger, healthAddr, "serve")
				if err != nil {
					return fmt.Errorf("start health server: %w", err)
				}
				defer shutdownServer(srv)
			}

			logger.Info("serve_start",
				"bot_user_id", identity.UserID,
				"team_id", identity.TeamID,
				"workspace_id", homeWS.ID,
				"max_concurrency", maxConc,
			)

			sem := make(chan struct{}, maxConc)
			for {
				if ctx.Err() != nil {
					logger.Info("serve_stop", "reason", "context_canceled")
					return nil
				}
				conn, err := api.ConnectSocket(ctx)
				if err != nil {
					if ctx.Err() != nil {
						logger.Info("serve_stop", "reason", "context_canceled")
						return nil
					}
					logger.Warn("slack_socket_connect_error", "error", err.Error())
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(2 * time.Second):
					}
					continue
				}
				logger.Info("slack_socket_connected")
				readErr := slackapi.ConsumeSocket(ctx, conn, func(envelope slackapi.SocketEnvelope) error {
					event, ok, err := slackapi.ParseEnvelope(envelope, identity.UserID)
					if err != nil {
						logger.Warn("slack_event_parse_error", "error", err.Error())
						return nil
					}
					if !ok {
						return nil
					}
					select {
					case sem <- struct{}{}:
					case <-ctx.Done():
						return ctx.Err()
					}
					go func() {
						defer func() { <-sem }()
						pipe.HandleEvent(context.Background(), event)
					}()
					return nil
				})
				_ = conn.Close()
				if readErr != nil && !errors.Is(readErr, context.Canceled) && !errors.Is(readErr, context.DeadlineExceeded) {
					logger.Warn("slack_socket_read_error", "error", readErr.Error())
				}
			}
		},
	}

	cmd.Flags().String("slack-bot-token", "", "Slack bot token (xoxb-...).")
	cmd.Flags().String("slack-app-token", "", "Slack app-level token for Socket Mode (xapp-...).")
	cmd.Flags().String("llm-api-key", "", "API key for the suggestion model.")
	cmd.Flags().String("llm-model", "", "Model for suggestion generation.")
	cmd.Flags().String("db-driver", "", "Database driver: sqlite|postgres.")
	cmd.Flags().String("db-dsn", "", "Database DSN (default: ~/.draftpilot/draftpilot.sqlite).")
	cmd.Flags().Int("max-concurrency", 4, "Max events and generations processed concurrently.")
	cmd.Flags().String("listen", "", "Interaction listener address (default from serve.listen).")
	cmd.Flags().String("health-listen", "", "Health endpoint address. Empty disables it.")
	cmd.Flags().StringArray("admin-user-id", nil, "Slack user id(s) to notify on escalation alerts.")

	return cmd
}

type userActionRequest struct {
	SuggestionID string `json:"suggestion_id"`
	Action       string `json:"action"`
}

// startInteractionListener serves POST /interactions, the entry point for
// accepted/edited/dismissed feedback on delivered suggestions.
func startInteractionListener(logger *slog.Logger, addr string, pipe *pipeline.Pipeline) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/interactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req userActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.SuggestionID) == "" || strings.TrimSpace(req.Action) == "" {
			http.Error(w, "suggestion_id and action are required", http.StatusBadRequest)
			return
		}
		pipe.RecordUserAction(r.Context(), req.SuggestionID, req.Action)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("interaction_server_error", "addr", addr, "error", err.Error())
		}
	}()
	logger.Info("interaction_server_start", "addr", addr)
	return srv, nil
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
