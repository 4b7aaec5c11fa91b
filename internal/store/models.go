package store

import "time"

// MailboxProvider identifies the mail provider behind a mailbox
type MailboxProvider string

const (
	ProviderSMTP    MailboxProvider = "SMTP"
	ProviderGoogle  MailboxProvider = "GOOGLE"
	ProviderOutlook MailboxProvider = "OUTLOOK"
)

// Mailbox is the sending identity of a campaign
type Mailbox struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Email      string          `json:"email"`
	Name       string          `json:"name"`
	Provider   MailboxProvider `json:"provider"`
	DailyLimit int             `json:"daily_limit"`
	IsActive   bool            `json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CampaignType categorizes campaigns
type CampaignType string

const (
	CampaignRecruitment CampaignType = "RECRUITMENT"
	CampaignSales       CampaignType = "SALES"
	CampaignNewsletter  CampaignType = "NEWSLETTER"
	CampaignOther       CampaignType = "OTHER"
)

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignRunning   CampaignStatus = "RUNNING"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
)

// Campaign owns an ordered list of steps
type Campaign struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Name      string         `json:"name"`
	Type      CampaignType   `json:"type"`
	Status    CampaignStatus `json:"status"`
	MailboxID string         `json:"mailbox_id,omitempty"`
	Steps     []Step         `json:"steps,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// FirstStep returns the step with the lowest order, or nil without steps
func (c *Campaign) FirstStep() *Step {
	var first *Step
	for i := range c.Steps {
		if first == nil || c.Steps[i].Order < first.Order {
			first = &c.Steps[i]
		}
	}
	return first
}

// Step is one message of a campaign
type Step struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	Order      int       `json:"order"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	WaitDays   int       `json:"wait_days"`
	CreatedAt  time.Time `json:"created_at"`
}

// LeadStatus is the lifecycle state of a lead
type LeadStatus string

const (
	LeadPending   LeadStatus = "PENDING"
	LeadActive    LeadStatus = "ACTIVE"
	LeadCompleted LeadStatus = "COMPLETED"
	LeadReplied   LeadStatus = "REPLIED"
	LeadBounced   LeadStatus = "BOUNCED"
)

// Lead is a recipient enrolled in a campaign
type Lead struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	CampaignID   string         `json:"campaign_id"`
	Email        string         `json:"email"`
	Name         string         `json:"name"`
	Company      string         `json:"company"`
	CustomFields map[string]any `json:"custom_fields"`
	Status       LeadStatus     `json:"status"`
	CurrentStep  int            `json:"current_step"`
	FirstStep    int            `json:"first_step"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// LogStatus is the delivery state of a sent step
type LogStatus string

const (
	LogSent    LogStatus = "SENT"
	LogOpened  LogStatus = "OPENED"
	LogClicked LogStatus = "CLICKED"
	LogFailed  LogStatus = "FAILED"
	LogReplied LogStatus = "REPLIED"
)

// rank orders log states; a status may only move to a higher rank
func (s LogStatus) rank() int {
	switch s {
	case LogSent:
		return 0
	case LogOpened:
		return 1
	case LogClicked, LogFailed:
		return 2
	case LogReplied:
		return 3
	}
	return -1
}

// predecessors returns the states from which s may be entered
func (s LogStatus) predecessors() []LogStatus {
	var from []LogStatus
	for _, st := range []LogStatus{LogSent, LogOpened, LogClicked, LogFailed, LogReplied} {
		if st.rank() < s.rank() {
			from = append(from, st)
		}
	}
	return from
}

// EmailLog records one send of a step to a lead
type EmailLog struct {
	ID        string     `json:"id"`
	LeadID    string     `json:"lead_id"`
	StepID    string     `json:"step_id"`
	Status    LogStatus  `json:"status"`
	MessageID string     `json:"message_id,omitempty"`
	Error     string     `json:"error,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// OutboxEntry is a job written in a business transaction and relayed to the queue afterwards
type OutboxEntry struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	JobID     string    `json:"job_id"`
	Payload   []byte    `json:"payload"`
	RunAt     time.Time `json:"run_at"`
	CreatedAt time.Time `json:"created_at"`
}

// LeadFilter filters lead listings
type LeadFilter struct {
	Status LeadStatus
	Limit  int
	Offset int
}

// LeadUpdate holds the lead fields to change; nil fields are kept
type LeadUpdate struct {
	Name         *string
	Company      *string
	CustomFields map[string]any
	Status       *LeadStatus
}

// CampaignUpdate holds the campaign fields to change; nil fields are kept.
// Steps, when non-nil, replace the step list matched by order.
type CampaignUpdate struct {
	Name      *string
	Type      *CampaignType
	Status    *CampaignStatus
	MailboxID *string
	Steps     []Step
}
