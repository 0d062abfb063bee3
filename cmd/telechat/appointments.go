package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/carelink-health/telechat"
	"github.com/spf13/cobra"
)

var (
	appointmentsTab       string
	appointmentsPhysician string
	appointmentsJSON      bool
)

func init() {
	appointmentsCmd.Flags().StringVar(&appointmentsTab, "tab", string(telechat.TabUpcoming), "Dashboard tab: upcoming, past or cancelled")
	appointmentsCmd.Flags().StringVar(&appointmentsPhysician, "physician", "", "Physician user id (defaults to the logged-in user)")
	appointmentsCmd.Flags().BoolVar(&appointmentsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(appointmentsCmd)
}

var appointmentsCmd = &cobra.Command{
	Use:   "appointments",
	Short: "List a physician's appointments",
	RunE: func(cmd *cobra.Command, args []string) error {
		tab := telechat.AppointmentTab(appointmentsTab)
		switch tab {
		case telechat.TabUpcoming, telechat.TabPast, telechat.TabCancelled:
		default:
			return fmt.Errorf("unknown tab %q (valid: upcoming, past, cancelled)", appointmentsTab)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		physicianID := valueOrDefault(appointmentsPhysician, cfg.Auth.UserID)
		if physicianID == "" {
			return fmt.Errorf("no physician id; pass --physician or run 'telechat login' first")
		}

		client, err := newClient(cfg, newLogger(cfg))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		all, err := client.ListAppointments(ctx, physicianID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		list := telechat.FilterAppointments(all, tab, time.Now())

		if appointmentsJSON {
			b, _ := json.MarshalIndent(list, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(list) == 0 {
			fmt.Printf("No %s appointments.\n", tab)
			return nil
		}
		for _, a := range list {
			fmt.Printf("%s  %-10s  member %s", a.ScheduledAt.Local().Format(time.DateTime), a.Status, a.MemberID)
			if a.RoomID != "" {
				fmt.Printf("  room %s", a.RoomID)
			}
			if a.Reason != "" {
				fmt.Printf("  (%s)", a.Reason)
			}
			fmt.Println()
		}
		return nil
	},
}
