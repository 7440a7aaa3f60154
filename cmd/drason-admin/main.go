package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"golang.org/x/crypto/bcrypt"

	"github.com/Richardson2512/drason/config"
	"github.com/Richardson2512/drason/db"
	"github.com/Richardson2512/drason/engine"
	"github.com/Richardson2512/drason/helpers"
	"github.com/Richardson2512/drason/pkg/resilient"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "migrate":
		handleMigrate()
	case "create-org":
		handleCreateOrg()
	case "create-domain":
		handleCreateDomain()
	case "create-mailbox":
		handleCreateMailbox()
	case "create-campaign":
		handleCreateCampaign()
	case "attach-mailbox":
		handleAttachMailbox()
	case "override-domain":
		handleOverrideDomain()
	case "domain-status":
		handleDomainStatus()
	case "transitions":
		handleTransitions()
	case "hash-api-key":
		handleHashAPIKey()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`DRASON Admin Tool

Usage:
  drason-admin <command> [options]

Commands:
  migrate          Apply or roll back database schema migrations
  create-org       Create an organization
  create-domain    Register a sending domain under an organization
  create-mailbox   Register a mailbox under a domain
  create-campaign  Create a campaign
  attach-mailbox   Attach a mailbox to a campaign
  override-domain  Manually override a domain's health status
  domain-status    Show a domain and its mailboxes
  transitions      Query the state transition audit log
  hash-api-key     Produce the bcrypt hash of an API key for the config file
  help             Show this help message

Examples:
  drason-admin migrate --config /etc/drason/config.toml
  drason-admin create-org --name acme --mode enforce
  drason-admin create-domain --org-id 1 --name mail.acme.com
  drason-admin create-mailbox --domain-id 1 --address sales@mail.acme.com
  drason-admin override-domain --domain-id 1 --status paused --reason "provider complaint" --operator jane
  drason-admin transitions --entity-type mailbox --entity-id 42 --limit 20

Use 'drason-admin <command> --help' for more information about a command.
`)
}

// loadAdminConfig loads the shared TOML configuration; admin commands only
// use its database section.
func loadAdminConfig(fs *flag.FlagSet, configPath string) config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && os.IsNotExist(pathErr) {
			if isFlagSet(fs, "config") {
				log.Fatalf("ERROR: specified configuration file '%s' not found", configPath)
			}
			log.Printf("WARNING: default configuration file '%s' not found. Using defaults.", configPath)
			return config.NewDefaultConfig()
		}
		log.Fatalf("FATAL: error loading configuration file '%s': %v", configPath, err)
	}
	return cfg
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func openDatabase(ctx context.Context, cfg config.Config) *db.Database {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return database
}

// migrateURL builds the connection URL for golang-migrate from the write
// endpoint configuration.
func migrateURL(cfg config.Config) string {
	ep := cfg.Database.Write
	if ep == nil || len(ep.Hosts) == 0 {
		log.Fatal("database.write.hosts is required")
	}
	host := ep.Hosts[0]
	if !strings.Contains(host, ":") {
		port := "5432"
		if ep.Port != nil {
			port = fmt.Sprintf("%v", ep.Port)
		}
		host = host + ":" + port
	}
	sslMode := "disable"
	if ep.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("pgx5://%s:%s@%s/%s?sslmode=%s",
		url.QueryEscape(ep.User), url.QueryEscape(ep.Password), host, ep.Name, sslMode)
}

func handleMigrate() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	down := fs.Bool("down", false, "Roll back all migrations instead of applying them")
	steps := fs.Int("steps", 0, "Apply exactly this many migration steps (negative rolls back)")

	fs.Usage = func() {
		fmt.Printf(`Apply or roll back database schema migrations

Usage:
  drason-admin migrate [options]

Options:
  --config string  Path to TOML configuration file (default: config.toml)
  --down           Roll back all migrations
  --steps int      Apply exactly N steps; negative N rolls back
`)
	}
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadAdminConfig(fs, *configPath)

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(cfg))
	if err != nil {
		log.Fatalf("Failed to initialize migrator: %v", err)
	}
	defer m.Close()

	switch {
	case *steps != 0:
		err = m.Steps(*steps)
	case *down:
		err = m.Down()
	default:
		err = m.Up()
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Println("Schema already up to date")
			return
		}
		log.Fatalf("Migration failed: %v", err)
	}
	fmt.Println("Migration complete")
}

func handleCreateOrg() {
	fs := flag.NewFlagSet("create-org", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "Organization name (required)")
	mode := fs.String("mode", "enforce", "Enforcement mode: observe, suggest, enforce")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *name == "" {
		fmt.Printf("Error: --name is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if _, err := engine.ParseMode(*mode); err != nil {
		log.Fatalf("Invalid mode: %v", err)
	}

	ctx := context.Background()
	cfg := loadAdminConfig(fs, *configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	org, err := database.CreateOrganization(ctx, *name, *mode)
	if err != nil {
		log.Fatalf("Failed to create organization: %v", err)
	}
	fmt.Printf("Successfully created organization %d (%s, mode=%s)\n", org.ID, org.Name, org.Mode)
}

func handleCreateDomain() {
	fs := flag.NewFlagSet("create-domain", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	orgID := fs.Int64("org-id", 0, "Owning organization ID (required)")
	name := fs.String("name", "", "Fully qualified domain name (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *orgID <= 0 || *name == "" {
		fmt.Printf("Error: --org-id and --name are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	cfg := loadAdminConfig(fs, *configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	domain, err := database.CreateDomain(ctx, *orgID, *name)
	if err != nil {
		log.Fatalf("Failed to create domain: %v", err)
	}
	fmt.Printf("Successfully created domain %d (%s)\n", domain.ID, domain.Name)
}

func handleCreateMailbox() {
	fs := flag.NewFlagSet("create-mailbox", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	domainID := fs.Int64("domain-id", 0, "Owning domain ID (required)")
	address := fs.String("address", "", "Mailbox address (required)")
	status := fs.String("status", "warming", "Initial status: warming or healthy")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *domainID <= 0 || *address == "" {
		fmt.Printf("Error: --domain-id and --address are required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if st := engine.Status(*status); st != engine.StatusWarming && st != engine.StatusHealthy {
		log.Fatalf("Invalid status %q: must be 'warming' or 'healthy'", *status)
	}
	if _, domain := helpers.SplitEmailAddress(*address); domain == "" {
		log.Fatalf("Invalid address %q: must be a full email address", *address)
	}

	ctx := context.Background()
	cfg := loadAdminConfig(fs, *configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	mailbox, err := database.CreateMailbox(ctx, *domainID, *address, *status)
	if err != nil {
		log.Fatalf("Failed to create mailbox: %v", err)
	}
	fmt.Printf("Successfully created mailbox %d (%s, status=%s)\n", mailbox.ID, mailbox.Address, mailbox.Status)
}

func handleCreateCampaign() {
	fs := flag.NewFlagSet("create-campaign", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	orgID := fs.Int64("org-id", 0, "Owning organization ID (required)")
	name := fs.String("name", "", "Campaign name (required)")
	status := fs.String("status", "draft", "Initial status (default: draft)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *orgID <= 0 || *name == "" {
		fmt.Printf("Error: --org-id and --name are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	cfg := loadAdminConfig(fs, *configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	campaign, err := database.CreateCampaign(ctx, *orgID, *name, *status)
	if err != nil {
		log.Fatalf("Failed to create campaign: %v", err)
	}
	fmt.Printf("Successfully created campaign %d (%s)\n", campaign.ID, campaign.Name)
}

func handleAttachMailbox() {
	fs := flag.NewFlagSet("attach-mailbox", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	campaignID := fs.Int64("campaign-id", 0, "Campaign ID (required)")
	mailboxID := fs.Int64("mailbox-id", 0, "Mailbox ID (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *campaignID <= 0 || *mailboxID <= 0 {
		fmt.Printf("Error: --campaign-id and --mailbox-id are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	cfg := loadAdminConfig(fs, *configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	if err := database.AttachMailboxToCampaign(ctx, *campaignID, *mailboxID); err != nil {
		log.Fatalf("Failed to attach mailbox: %v", err)
	}
	fmt.Printf("Attached mailbox %d to campaign %d\n", *mailboxID, *campaignID)
}

func handleOverrideDomain() {
	fs := flag.NewFlagSet("override-domain", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	domainID := fs.Int64("domain-id", 0, "Domain ID (required)")
	status := fs.String("status", "", "Target status: healthy, warning or paused (required)")
	reason := fs.String("reason", "", "Reason recorded in the audit log (required)")
	operator := fs.String("operator", "", "Operator name recorded in the audit log (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *domainID <= 0 || *status == "" || *reason == "" || *operator == "" {
		fmt.Printf("Error: --domain-id, --status, --reason and --operator are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	cfg := loadAdminConfig(fs, *configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	defaults, err := engine.ThresholdsFromConfig(&cfg.Engine)
	if err != nil {
		log.Fatalf("Failed to parse engine thresholds: %v", err)
	}
	eng := engine.New(resilient.New(database), defaults, nil)

	if err := eng.OverrideDomainStatus(ctx, *domainID, engine.DomainStatus(*status), *reason, *operator); err != nil {
		log.Fatalf("Failed to override domain status: %v", err)
	}
	fmt.Printf("Domain %d status overridden to %s\n", *domainID, *status)
}

func handleDomainStatus() {
	fs := flag.NewFlagSet("domain-status", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	domainID := fs.Int64("domain-id", 0, "Domain ID (required)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *domainID <= 0 {
		fmt.Printf("Error: --domain-id is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	cfg := loadAdminConfig(fs, *configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	domain, err := database.GetDomainByID(ctx, *domainID)
	if err != nil {
		log.Fatalf("Failed to get domain: %v", err)
	}
	mailboxes, err := database.ListDomainMailboxes(ctx, *domainID)
	if err != nil {
		log.Fatalf("Failed to list mailboxes: %v", err)
	}

	statuses := make([]engine.Status, 0, len(mailboxes))
	for _, mb := range mailboxes {
		statuses = append(statuses, engine.Status(mb.Status))
	}

	fmt.Printf("Domain %d: %s\n", domain.ID, domain.Name)
	fmt.Printf("  Status:          %s\n", domain.Status)
	fmt.Printf("  Warning count:   %d\n", domain.WarningCount)
	fmt.Printf("  Unhealthy ratio: %.2f\n", engine.UnhealthyRatio(statuses))
	if domain.PausedReason != nil {
		fmt.Printf("  Paused reason:   %s\n", *domain.PausedReason)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tSTATUS\tSENT\tBOUNCED\tPAUSE STREAK\tCOOLDOWN EXPIRES")
	for _, mb := range mailboxes {
		cooldown := "-"
		if mb.CooldownExpiresAt != nil {
			cooldown = mb.CooldownExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
			mb.ID, mb.Address, mb.Status, mb.WindowSentCount, mb.WindowBounceCount,
			mb.ConsecutivePauseCount, cooldown)
	}
	w.Flush()
}

func handleTransitions() {
	fs := flag.NewFlagSet("transitions", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	entityType := fs.String("entity-type", "", "Filter by entity type (mailbox, domain, gate_decision)")
	entityID := fs.Int64("entity-id", 0, "Filter by entity ID")
	since := fs.String("since", "", "Only transitions after this RFC3339 timestamp")
	limit := fs.Int("limit", 50, "Maximum number of records")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	filter := db.TransitionFilter{
		EntityType: *entityType,
		EntityID:   *entityID,
		Limit:      *limit,
	}
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			log.Fatalf("Invalid --since value (use RFC3339): %v", err)
		}
		filter.Since = t
	}

	ctx := context.Background()
	cfg := loadAdminConfig(fs, *configPath)
	database := openDatabase(ctx, cfg)
	defer database.Close()

	transitions, err := database.ListStateTransitions(ctx, filter)
	if err != nil {
		log.Fatalf("Failed to list transitions: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tENTITY\tID\tFROM\tTO\tREASON\tTRIGGERED BY")
	for _, t := range transitions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			t.OccurredAt.Format(time.RFC3339), t.EntityType, t.EntityID,
			t.FromState, t.ToState, t.Reason, t.TriggeredBy)
	}
	w.Flush()
	fmt.Printf("\n%d transition(s)\n", len(transitions))
}

func handleHashAPIKey() {
	fs := flag.NewFlagSet("hash-api-key", flag.ExitOnError)
	key := fs.String("key", "", "API key to hash (required)")
	cost := fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost factor")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *key == "" {
		fmt.Printf("Error: --key is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*key), *cost)
	if err != nil {
		log.Fatalf("Failed to hash key: %v", err)
	}
	fmt.Printf("api_key_hash = %q\n", string(hash))
}
