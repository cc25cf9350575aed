// Package alerts delivers operational alerts over email, Slack and Jira.
package alerts

// SMTPConfig configures the email sender.
type SMTPConfig struct {
	Host     string `yaml:"host" env:"SMTP_HOST"`
	Port     int    `yaml:"port" env:"SMTP_PORT"`
	User     string `yaml:"user" env:"SMTP_USER"`
	Password string `yaml:"password" env:"SMTP_PASSWORD"`
	From     string `yaml:"from" env:"ALERT_FROM"`
	To       string `yaml:"to" env:"ALERT_EMAIL"`
}

// Configured reports whether enough fields are set to send mail.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.To != "" && c.sender() != ""
}

func (c SMTPConfig) sender() string {
	if c.From != "" {
		return c.From
	}
	return c.User
}

// JiraConfig configures the ticket creator.
type JiraConfig struct {
	URL     string `yaml:"url" env:"JIRA_URL"`
	User    string `yaml:"user" env:"JIRA_USER"`
	Token   string `yaml:"token" env:"JIRA_TOKEN"`
	Project string `yaml:"project" env:"JIRA_PROJECT"`
}

// Configured reports whether enough fields are set to create tickets.
func (c JiraConfig) Configured() bool {
	return c.URL != "" && c.User != "" && c.Token != "" && c.Project != ""
}

// Config groups alert channel settings.
type Config struct {
	SMTP            SMTPConfig `yaml:"smtp"`
	SlackWebhookURL string     `yaml:"slack_webhook_url" env:"SLACK_WEBHOOK_URL"`
	Jira            JiraConfig `yaml:"jira"`
	// RatePerMinute bounds how many alerts the dispatcher sends per minute.
	RatePerMinute float64 `yaml:"rate_per_minute"`
	Burst         int     `yaml:"burst"`
}

// DefaultConfig returns alert settings with no channels configured.
func DefaultConfig() Config {
	return Config{
		SMTP:          SMTPConfig{Port: 587},
		RatePerMinute: 6,
		Burst:         3,
	}
}
