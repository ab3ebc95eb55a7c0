package model

import "time"

type RequirementStatus string

const (
	RequirementStatusPending    RequirementStatus = "pending"
	RequirementStatusProcessing RequirementStatus = "processing"
	RequirementStatusCompleted  RequirementStatus = "completed"
	RequirementStatusFailed     RequirementStatus = "failed"
)

type Requirement struct {
	ID        string            `json:"id"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Status    RequirementStatus `json:"status"`
}

type ProcessingStep string

const (
	StepPRDGeneration          ProcessingStep = "PRD_GENERATION"
	StepRequirementAnalysis    ProcessingStep = "REQUIREMENT_ANALYSIS"
	StepTechnicalSpecification ProcessingStep = "TECHNICAL_SPECIFICATION"
	StepArchitectureDesign     ProcessingStep = "ARCHITECTURE_DESIGN"
	StepImplementationPlan     ProcessingStep = "IMPLEMENTATION_PLAN"
	StepTestingStrategy        ProcessingStep = "TESTING_STRATEGY"
	StepDeploymentPlan         ProcessingStep = "DEPLOYMENT_PLAN"
	StepDocumentation          ProcessingStep = "DOCUMENTATION"
	StepReviewAndApproval      ProcessingStep = "REVIEW_AND_APPROVAL"
	StepCompleted              ProcessingStep = "COMPLETED"
)

type ProcessingStepInfo struct {
	Step        ProcessingStep
	Name        string
	Description string
}

// ProcessingSteps lists every step in processing order.
var ProcessingSteps = []ProcessingStepInfo{
	{Step: StepPRDGeneration, Name: "PRD Generation", Description: "Creating Product Requirements Document"},
	{Step: StepRequirementAnalysis, Name: "Requirement Analysis", Description: "Analyzing and breaking down requirements"},
	{Step: StepTechnicalSpecification, Name: "Technical Specification", Description: "Creating detailed technical specifications"},
	{Step: StepArchitectureDesign, Name: "Architecture Design", Description: "Designing system architecture"},
	{Step: StepImplementationPlan, Name: "Implementation Plan", Description: "Creating implementation roadmap"},
	{Step: StepTestingStrategy, Name: "Testing Strategy", Description: "Planning testing approach"},
	{Step: StepDeploymentPlan, Name: "Deployment Plan", Description: "Creating deployment strategy"},
	{Step: StepDocumentation, Name: "Documentation", Description: "Creating comprehensive documentation"},
	{Step: StepReviewAndApproval, Name: "Review & Approval", Description: "Final review and approval process"},
	{Step: StepCompleted, Name: "Completed", Description: "All tasks completed successfully"},
}

// StepIndex returns the position of step in ProcessingSteps, or -1.
func StepIndex(step ProcessingStep) int {
	for i, info := range ProcessingSteps {
		if info.Step == step {
			return i
		}
	}
	return -1
}

// StepInfo returns the display metadata for step.
func StepInfo(step ProcessingStep) (ProcessingStepInfo, bool) {
	idx := StepIndex(step)
	if idx < 0 {
		return ProcessingStepInfo{}, false
	}
	return ProcessingSteps[idx], true
}

type StepProgress string

const (
	StepProgressCompleted StepProgress = "completed"
	StepProgressCurrent   StepProgress = "current"
	StepProgressPending   StepProgress = "pending"
)

// StepProgressFor places step relative to current.
func StepProgressFor(step ProcessingStep, current ProcessingStep) StepProgress {
	stepIdx := StepIndex(step)
	currentIdx := StepIndex(current)
	switch {
	case stepIdx < currentIdx:
		return StepProgressCompleted
	case stepIdx == currentIdx:
		return StepProgressCurrent
	default:
		return StepProgressPending
	}
}

type ProcessingState struct {
	ID            string         `json:"id"`
	RequirementID string         `json:"requirementId"`
	CurrentState  ProcessingStep `json:"currentState"`
	Progress      int            `json:"progress"`
	Message       string         `json:"message"`
	Timestamp     time.Time      `json:"timestamp"`
	EstimatedTime string         `json:"estimatedTime,omitempty"`
}

// Finished reports whether polling for this state can stop.
func (s ProcessingState) Finished() bool {
	return s.CurrentState == StepCompleted || s.Progress >= 100
}

type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"type"`
	Data        []byte `json:"-"`
}

type ChatFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

type ChatReceipt struct {
	ID        string     `json:"id"`
	Message   string     `json:"message"`
	Files     []ChatFile `json:"files"`
	Timestamp time.Time  `json:"timestamp"`
	Status    string     `json:"status"`
}
