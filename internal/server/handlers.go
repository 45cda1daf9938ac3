package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/achievements"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/commitments"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/disclosure"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/donations"
	"github.com/gin-gonic/gin"
)

type recordRequestPayload struct {
	EventID        string `json:"eventId"`
	CommitmentHash string `json:"commitmentHash"`
	ZKProofRef     string `json:"zkProofRef"`
	Amount         string `json:"amount"`
}

type recordResponsePayload struct {
	CommitmentID   string `json:"commitmentId"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

func (h *httpHandler) handleRecordCommitment(c *gin.Context) {
	donorRef := c.GetString(donorRefContextKey)
	var request recordRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	result, err := h.donations.RecordCommitment(c.Request.Context(), donations.CommitInput{
		EventID:        request.EventID,
		DonorRef:       donorRef,
		Amount:         request.Amount,
		CommitmentHash: request.CommitmentHash,
		ProofRef:       request.ZKProofRef,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, recordResponsePayload{
		CommitmentID:   result.Commitment.CommitmentID,
		SequenceNumber: result.Commitment.SequenceNumber,
	})
}

type revealResponsePayload struct {
	CommitmentID   string `json:"commitmentId"`
	RevealedAmount string `json:"revealedAmount"`
}

func (h *httpHandler) handleRevealCommitment(c *gin.Context) {
	donorRef := c.GetString(donorRefContextKey)
	revealed, err := h.donations.RevealCommitment(c.Request.Context(), c.Param("id"), donorRef)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, revealResponsePayload{
		CommitmentID:   revealed.CommitmentID,
		RevealedAmount: revealed.RevealedAmount.Decimal.String(),
	})
}

type commitmentPayload struct {
	CommitmentID   string  `json:"commitmentId"`
	EventID        string  `json:"eventId"`
	SequenceNumber int64   `json:"sequenceNumber"`
	CommitmentHash string  `json:"commitmentHash"`
	CommittedAt    int64   `json:"committedAt"`
	Revealed       bool    `json:"revealed"`
	RevealedAmount *string `json:"revealedAmount,omitempty"`
}

type listCommitmentsQuery struct {
	EventID string `form:"eventId"`
}

func (h *httpHandler) handleListCommitments(c *gin.Context) {
	var query listCommitmentsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		invalidRequest(c)
		return
	}
	stored, err := h.donations.ListDonorCommitments(c.Request.Context(), c.GetString(donorRefContextKey), query.EventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]commitmentPayload, 0, len(stored))
	for _, commitment := range stored {
		payload = append(payload, newCommitmentPayload(commitment))
	}
	c.JSON(http.StatusOK, gin.H{"commitments": payload})
}

func newCommitmentPayload(commitment commitments.Commitment) commitmentPayload {
	payload := commitmentPayload{
		CommitmentID:   commitment.CommitmentID,
		EventID:        commitment.EventID,
		SequenceNumber: commitment.SequenceNumber,
		CommitmentHash: commitment.CommitmentHash,
		CommittedAt:    commitment.CommittedAtSeconds,
		Revealed:       commitment.Revealed,
	}
	if commitment.Revealed && commitment.RevealedAmount.Valid {
		amount := commitment.RevealedAmount.Decimal.String()
		payload.RevealedAmount = &amount
	}
	return payload
}

type rankingQuery struct {
	Scope       string `form:"scope"`
	Timeframe   string `form:"timeframe"`
	PrivacyMode string `form:"privacyMode"`
}

func (h *httpHandler) handleRanking(c *gin.Context) {
	var query rankingQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		invalidRequest(c)
		return
	}
	entries, err := h.donations.Ranking(c.Request.Context(), donations.RankingInput{
		Scope:       query.Scope,
		Timeframe:   query.Timeframe,
		PrivacyMode: query.PrivacyMode,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	if entries == nil {
		entries = []disclosure.MaskedEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type userRankQuery struct {
	EventID     string `form:"eventId"`
	DonorRef    string `form:"donorRef"`
	PrivacyMode string `form:"privacyMode"`
}

func (h *httpHandler) handleUserRank(c *gin.Context) {
	var query userRankQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		invalidRequest(c)
		return
	}
	rank, err := h.donations.UserRank(c.Request.Context(), query.EventID, query.DonorRef, query.PrivacyMode)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rank": rank})
}

type eventQuery struct {
	EventID string `form:"eventId"`
}

type totalsResponsePayload struct {
	EventID            string  `json:"eventId"`
	TargetAmount       string  `json:"targetAmount"`
	CurrentAmount      string  `json:"currentAmount"`
	UniqueDonorCount   int64   `json:"uniqueDonorCount"`
	ProgressPercentage float64 `json:"progressPercentage"`
}

func (h *httpHandler) handleEventTotals(c *gin.Context) {
	var query eventQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		invalidRequest(c)
		return
	}
	totals, err := h.donations.EventTotals(c.Request.Context(), query.EventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, totalsResponsePayload{
		EventID:            totals.EventID,
		TargetAmount:       totals.TargetAmount.String(),
		CurrentAmount:      totals.CurrentAmount.String(),
		UniqueDonorCount:   totals.UniqueDonorCount,
		ProgressPercentage: totals.ProgressPercentage,
	})
}

func (h *httpHandler) handleAchievements(c *gin.Context) {
	var query eventQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		invalidRequest(c)
		return
	}
	list, err := h.donations.ListAchievements(c.Request.Context(), query.EventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if list == nil {
		list = []achievements.Achievement{}
	}
	c.JSON(http.StatusOK, gin.H{"achievements": list})
}

type preferenceRequestPayload struct {
	RevealAmount      bool   `json:"revealAmount"`
	RevealName        bool   `json:"revealName"`
	CustomDisplayName string `json:"customDisplayName"`
}

type preferenceResponsePayload struct {
	DonorRef          string `json:"donorRef"`
	RevealAmount      bool   `json:"revealAmount"`
	RevealName        bool   `json:"revealName"`
	CustomDisplayName string `json:"customDisplayName"`
	PrivacyScore      int    `json:"privacyScore"`
}

func newPreferenceResponse(result disclosure.PreferenceResult) preferenceResponsePayload {
	return preferenceResponsePayload{
		DonorRef:          result.Preference.DonorRef,
		RevealAmount:      result.Preference.RevealAmount,
		RevealName:        result.Preference.RevealName,
		CustomDisplayName: result.Preference.CustomDisplayName,
		PrivacyScore:      result.PrivacyScore,
	}
}

func (h *httpHandler) handleSetPreference(c *gin.Context) {
	donorRef := c.GetString(donorRefContextKey)
	var request preferenceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c)
		return
	}
	result, err := h.donations.SetPreference(c.Request.Context(), donorRef, disclosure.PreferenceUpdate{
		DonorRef:          donorRef,
		RevealAmount:      request.RevealAmount,
		RevealName:        request.RevealName,
		CustomDisplayName: request.CustomDisplayName,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPreferenceResponse(result))
}

func (h *httpHandler) handleGetPreference(c *gin.Context) {
	result, err := h.donations.GetPreference(c.Request.Context(), c.GetString(donorRefContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPreferenceResponse(result))
}
