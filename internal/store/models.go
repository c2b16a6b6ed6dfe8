package store

import "time"

// JobStatus is the lifecycle state of an extraction job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobPaused     JobStatus = "paused"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is immutable except for admin cleanup.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether the job counts against the one-active-job-per-cookbook
// invariant.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobProcessing
}

// CookbookStatus mirrors job status at a coarser grain for UI reads.
type CookbookStatus string

const (
	CookbookUploaded   CookbookStatus = "uploaded"
	CookbookProcessing CookbookStatus = "processing"
	CookbookCompleted  CookbookStatus = "completed"
	CookbookFailed     CookbookStatus = "failed"
)

// RecipeStatus is the human review state of an extracted recipe.
type RecipeStatus string

const (
	RecipePending     RecipeStatus = "pending"
	RecipeApproved    RecipeStatus = "approved"
	RecipeRejected    RecipeStatus = "rejected"
	RecipeNeedsReview RecipeStatus = "needs_review"
)

// Ingredient is one structured ingredient line.
type Ingredient struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
}

// Instruction is one structured preparation step.
type Instruction struct {
	Step        int    `json:"step"`
	Text        string `json:"text"`
	Minutes     int    `json:"minutes,omitempty"`
	Temperature string `json:"temperature,omitempty"`
}

// Nutrition holds per-serving estimates from the extractor.
type Nutrition struct {
	Calories int     `json:"calories,omitempty"`
	ProteinG float64 `json:"protein_g,omitempty"`
	FatG     float64 `json:"fat_g,omitempty"`
	CarbsG   float64 `json:"carbs_g,omitempty"`
}

// Recipe is one persisted extraction candidate.
type Recipe struct {
	ID           string
	CookbookID   string
	SourcePage   int
	Title        string
	Ingredients  []Ingredient
	Instructions []Instruction
	Nutrition    *Nutrition
	DietaryFlags []string
	Confidence   float64
	Status       RecipeStatus
	ImageURL     string
	CreatedAt    time.Time
}

// Cookbook is the parent artifact being processed.
type Cookbook struct {
	ID                string
	UserID            string
	Title             string
	FileRef           string
	Status            CookbookStatus
	ProcessedPages    int
	TotalRecipesFound int
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Job is one extraction attempt over a cookbook.
type Job struct {
	ID               string
	CookbookID       string
	UserID           string
	Status           JobStatus
	TotalPages       *int
	CurrentPage      int
	RecipesExtracted int
	FailedPages      int
	ErrorMessage     string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// NonRecipePage records a page classified as not containing a recipe,
// kept for auditability.
type NonRecipePage struct {
	CookbookID  string
	Page        int
	ContentType string // toc|photo|ad|other
	Note        string
}

// PageCommit is one atomic per-page persistence step: recipes written,
// counters advanced, logs appended, cookbook mirror updated. Page is 0-based;
// after commit the job's current_page is Page+1.
type PageCommit struct {
	JobID           string
	CookbookID      string
	Page            int
	Recipes         []Recipe
	DeleteRecipeIDs []string // just-written rows superseded in this run
	NonRecipe       *NonRecipePage
	FailedPage      bool
	LogLines        []string
	ErrorLines      []string
}
