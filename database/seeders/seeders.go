package seeders

import (
	"encoding/json"
	"log"
	"time"

	"schoolfees_go/database"
	"schoolfees_go/models"

	"github.com/shopspring/decimal"
)

// SeedAll runs all seeders
func SeedAll() {
	log.Println("Starting database seeding...")

	SeedBranches()
	SeedSessions()
	SeedSections()
	SeedUsers()
	SeedSystemFeeHeads()
	SeedApprovalSettings()

	log.Println("Database seeding completed successfully!")
}

func alreadySeeded(model interface{}, name string) bool {
	var count int64
	database.DB.Model(model).Count(&count)
	if count > 0 {
		log.Printf("%s already seeded, skipping...", name)
		return true
	}
	return false
}

// SeedBranches seeds the branches table
func SeedBranches() {
	if alreadySeeded(&models.Branch{}, "Branches") {
		return
	}

	branches := []models.Branch{
		{BaseModel: models.BaseModel{ID: 1}, Name: "Main Campus", Code: "MAIN", Address: "12 College Road", Phone: "0800000001", Active: true},
		{BaseModel: models.BaseModel{ID: 2}, Name: "North Campus", Code: "NORTH", Address: "4 Ring Road", Phone: "0800000002", Active: true},
	}
	for _, branch := range branches {
		if err := database.DB.Create(&branch).Error; err != nil {
			log.Printf("Error seeding branch %s: %v", branch.Code, err)
		}
	}
	log.Println("Branches seeded successfully")
}

// SeedSessions creates the current academic session for each branch
func SeedSessions() {
	if alreadySeeded(&models.AcademicSession{}, "Academic sessions") {
		return
	}

	year := time.Now().UTC().Year()
	for _, branchID := range []uint{1, 2} {
		s := models.AcademicSession{
			BranchID:  branchID,
			Name:      time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC).Format("2006") + "-" + time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC).Format("06"),
			StartDate: time.Date(year, time.April, 1, 0, 0, 0, 0, time.UTC),
			EndDate:   time.Date(year+1, time.March, 31, 0, 0, 0, 0, time.UTC),
			IsCurrent: true,
		}
		if err := database.DB.Create(&s).Error; err != nil {
			log.Printf("Error seeding session for branch %d: %v", branchID, err)
		}
	}
	log.Println("Academic sessions seeded successfully")
}

// SeedSections seeds one section per class for every current session
func SeedSections() {
	if alreadySeeded(&models.Section{}, "Sections") {
		return
	}

	var sessions []models.AcademicSession
	if err := database.DB.Where("is_current = ?", true).Find(&sessions).Error; err != nil {
		log.Printf("Error loading sessions: %v", err)
		return
	}
	for _, s := range sessions {
		for _, class := range []string{"Grade 1", "Grade 2", "Grade 3", "Grade 4", "Grade 5"} {
			sec := models.Section{BranchID: s.BranchID, SessionID: s.ID, ClassName: class, Name: "A"}
			if err := database.DB.Create(&sec).Error; err != nil {
				log.Printf("Error seeding section %s-A: %v", class, err)
			}
		}
	}
	log.Println("Sections seeded successfully")
}

// SeedUsers seeds staff accounts; credentials are managed by the auth service
func SeedUsers() {
	if alreadySeeded(&models.User{}, "Users") {
		return
	}

	users := []models.User{
		{BaseModel: models.BaseModel{ID: 1}, Username: "owner", Email: "owner@school.example", Role: "owner", BranchID: 1, Status: "active"},
		{BaseModel: models.BaseModel{ID: 2}, Username: "admin", Email: "admin@school.example", Role: "admin", BranchID: 1, Status: "active"},
		{BaseModel: models.BaseModel{ID: 3}, Username: "accounts", Email: "accounts@school.example", Role: "accountant", BranchID: 1, Status: "active"},
	}
	for _, user := range users {
		if err := database.DB.Create(&user).Error; err != nil {
			log.Printf("Error seeding user %s: %v", user.Username, err)
		}
	}
	log.Println("Users seeded successfully")
}

var systemFeeHeads = []struct {
	name        string
	description string
	studentType string
}{
	{"Admission Fee", "One-time admission charge", models.StudentTypeNewAdmission},
	{"Tuition Fee", "Term tuition", models.StudentTypeBoth},
	{"Late Fee", "Charged on overdue terms", models.StudentTypeBoth},
}

// SeedSystemFeeHeads creates the non-deletable fee heads for every current session
func SeedSystemFeeHeads() {
	var sessions []models.AcademicSession
	if err := database.DB.Where("is_current = ?", true).Find(&sessions).Error; err != nil {
		log.Printf("Error loading sessions: %v", err)
		return
	}
	for _, s := range sessions {
		for _, h := range systemFeeHeads {
			head := models.FeeHead{
				BranchID:        s.BranchID,
				SessionID:       s.ID,
				Name:            h.name,
				Description:     h.description,
				StudentType:     h.studentType,
				IsSystemDefined: true,
				IsActive:        true,
			}
			if err := database.DB.Where("branch_id = ? AND session_id = ? AND name = ?", s.BranchID, s.ID, h.name).
				FirstOrCreate(&head).Error; err != nil {
				log.Printf("Error seeding fee head %s: %v", h.name, err)
			}
		}
	}
	log.Println("System fee heads seeded successfully")
}

// SeedApprovalSettings installs a single-approver policy for every current session
func SeedApprovalSettings() {
	if alreadySeeded(&models.ConcessionApprovalSetting{}, "Approval settings") {
		return
	}

	roles, _ := json.Marshal([]string{"owner", "admin"})
	var sessions []models.AcademicSession
	if err := database.DB.Where("is_current = ?", true).Find(&sessions).Error; err != nil {
		log.Printf("Error loading sessions: %v", err)
		return
	}
	for _, s := range sessions {
		setting := models.ConcessionApprovalSetting{
			BranchID:            s.BranchID,
			SessionID:           s.ID,
			ApprovalLevel:       models.ApprovalOnePerson,
			AuthorizationType:   models.AuthorizationRoleBased,
			ApproverRoles:       roles,
			AutoApproveBelow:    decimal.NewFromInt(500),
			EscalationThreshold: decimal.NewFromInt(10000),
			MaxApprovalAmount:   decimal.NewFromInt(50000),
		}
		if err := database.DB.Create(&setting).Error; err != nil {
			log.Printf("Error seeding approval settings for session %d: %v", s.ID, err)
		}
	}
	log.Println("Approval settings seeded successfully")
}
