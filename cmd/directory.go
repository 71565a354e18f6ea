package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gate-event-core/internal/audit"
	"gate-event-core/internal/auth"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/config"
	"gate-event-core/internal/database"
	"gate-event-core/internal/logging"
	"gate-event-core/internal/registry"
	"gate-event-core/internal/types"
)

// cliActor is recorded as the actor of directory changes made from the shell
const cliActor = "cli"

var cameraCmd = &cobra.Command{
	Use:   "camera",
	Short: "Manage ANPR cameras",
}

var cameraRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a camera and print its secret",
	Long: `Register a new ANPR camera. An id that is already registered is refused.
The secret is printed once and must be configured on the camera; only its
hash is stored.`,
	RunE: runCameraRegister,
}

var cameraListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered cameras",
	RunE:  runCameraList,
}

var vehicleCmd = &cobra.Command{
	Use:   "vehicle",
	Short: "Manage the registered vehicle directory",
}

var vehicleRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register or update a vehicle plate",
	RunE:  runVehicleRegister,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin token for the API and live feed",
	RunE:  runToken,
}

var (
	cameraID        string
	cameraName      string
	cameraLocation  string
	cameraDirection string
	cameraSecret    string

	vehiclePlate   string
	vehicleOwner   string
	vehicleBlocked bool

	tokenAdminID string

	timeout int
)

func init() {
	cameraRegisterCmd.Flags().StringVar(&cameraID, "id", "", "Camera identifier (required)")
	cameraRegisterCmd.Flags().StringVar(&cameraName, "name", "", "Display name")
	cameraRegisterCmd.Flags().StringVar(&cameraLocation, "location", "", "Installation location")
	cameraRegisterCmd.Flags().StringVar(&cameraDirection, "direction", "", "Lane direction: entry or exit (required)")
	cameraRegisterCmd.Flags().StringVar(&cameraSecret, "secret", "", "Use this secret instead of generating one")
	cameraRegisterCmd.MarkFlagRequired("id")
	cameraRegisterCmd.MarkFlagRequired("direction")

	vehicleRegisterCmd.Flags().StringVar(&vehiclePlate, "plate", "", "Licence plate (required)")
	vehicleRegisterCmd.Flags().StringVar(&vehicleOwner, "owner", "", "Owner name")
	vehicleRegisterCmd.Flags().BoolVar(&vehicleBlocked, "blocked", false, "Deny this plate at the gate")
	vehicleRegisterCmd.MarkFlagRequired("plate")

	tokenCmd.Flags().StringVar(&tokenAdminID, "admin", "", "Admin identifier carried in the token (required)")
	tokenCmd.MarkFlagRequired("admin")

	for _, cmd := range []*cobra.Command{cameraRegisterCmd, cameraListCmd, vehicleRegisterCmd} {
		cmd.Flags().IntVar(&timeout, "timeout", 30, "Operation timeout in seconds")
	}

	cameraCmd.AddCommand(cameraRegisterCmd, cameraListCmd)
	vehicleCmd.AddCommand(vehicleRegisterCmd)
	rootCmd.AddCommand(cameraCmd, vehicleCmd, tokenCmd)
}

// openDirectory opens the store and the directory without starting any
// service
func openDirectory() (*registry.Registry, *database.DB, *logrus.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := logging.Initialize(cfg.LogLevel)

	db, err := database.Open(database.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	clk := clock.Real()
	var opts []registry.Option
	if cfg.Auth.BcryptCost > 0 {
		opts = append(opts, registry.WithBcryptCost(cfg.Auth.BcryptCost))
	}
	reg := registry.New(db, audit.NewWriter(db, clk, logger), clk, logger, opts...)
	return reg, db, logger, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
}

func runCameraRegister(cmd *cobra.Command, args []string) error {
	reg, db, logger, err := openDirectory()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := commandContext()
	defer cancel()

	camera, secret, err := reg.Register(ctx, registry.Registration{
		ID:        cameraID,
		Name:      cameraName,
		Location:  cameraLocation,
		Direction: types.CameraDirection(cameraDirection),
		Secret:    cameraSecret,
		ActorID:   cliActor,
	})
	if err != nil {
		return fmt.Errorf("camera registration failed: %w", err)
	}
	logger.WithField("camera_id", camera.ID).Info("Camera registered")

	fmt.Println("✓ Camera registered")
	fmt.Printf("Camera ID: %s\n", camera.ID)
	fmt.Printf("Direction: %s\n", camera.Direction)
	fmt.Printf("Secret:    %s\n", secret)
	fmt.Println()
	fmt.Println("Configure the camera to send X-Camera-ID and X-Camera-Key with every request.")
	fmt.Println("The secret is not stored and cannot be shown again.")
	return nil
}

func runCameraList(cmd *cobra.Command, args []string) error {
	reg, db, _, err := openDirectory()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := commandContext()
	defer cancel()

	cameras, err := reg.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list cameras: %w", err)
	}

	if len(cameras) == 0 {
		fmt.Println("No cameras registered")
		return nil
	}
	fmt.Printf("%-20s %-8s %-8s %s\n", "ID", "DIR", "STATUS", "LAST SEEN")
	for _, c := range cameras {
		lastSeen := "never"
		if c.LastSeenAt != nil {
			lastSeen = c.LastSeenAt.Format(time.RFC3339)
		}
		fmt.Printf("%-20s %-8s %-8s %s\n", c.ID, c.Direction, c.Status, lastSeen)
	}
	return nil
}

func runVehicleRegister(cmd *cobra.Command, args []string) error {
	reg, db, logger, err := openDirectory()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := commandContext()
	defer cancel()

	vehicle, err := reg.RegisterVehicle(ctx, registry.VehicleRegistration{
		Plate:     vehiclePlate,
		OwnerName: vehicleOwner,
		Blocked:   vehicleBlocked,
		ActorID:   cliActor,
	})
	if err != nil {
		return fmt.Errorf("vehicle registration failed: %w", err)
	}
	logger.WithField("plate", vehicle.Plate).Info("Vehicle registered")

	fmt.Printf("✓ Vehicle %s registered (blocked: %t)\n", vehicle.Plate, vehicle.Blocked)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	token, err := issueToken(cfg, tokenAdminID)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func issueToken(cfg *config.Config, adminID string) (string, error) {
	issuer := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration, nil)
	token, err := issuer.Issue(adminID)
	if err != nil {
		return "", fmt.Errorf("failed to issue token: %w", err)
	}
	return token, nil
}
