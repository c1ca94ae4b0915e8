package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"unisync/internal/apperr"
	"unisync/internal/attendance"
	"unisync/internal/auth"
)

var errOtherStudent = apperr.New(apperr.Forbidden, "You can only mark your own attendance")

func (h *Handler) generateQRCode(c *gin.Context) {
	var in attendance.GenerateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "courseId and classDate are required")
		return
	}
	tok, err := h.deps.Attendance.Generate(c.Request.Context(), in, claims(c).UserID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, tok, "QR code generated successfully")
}

func (h *Handler) scanQRCode(c *gin.Context) {
	var in attendance.RedeemInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "qrData and studentId are required")
		return
	}
	if cl := claims(c); cl.Role == auth.RoleStudent && in.StudentID != "" && in.StudentID != cl.UserID {
		fail(c, errOtherStudent)
		return
	}
	rec, err := h.deps.Attendance.Redeem(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, rec, "Attendance marked successfully")
}

func (h *Handler) listAttendance(c *gin.Context) {
	f := attendance.Filter{
		StudentID: c.Query("studentId"),
		CourseID:  c.Query("courseId"),
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Limit = parsed
		}
	}
	records, err := h.deps.Attendance.List(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, records, "")
}

func (h *Handler) markAttendance(c *gin.Context) {
	var in attendance.MarkInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "studentId, courseId, classDate, and status are required")
		return
	}
	rec, err := h.deps.Attendance.Mark(c.Request.Context(), in, claims(c).UserID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, rec, "Attendance marked successfully")
}

func (h *Handler) attendanceStats(c *gin.Context) {
	st, err := h.deps.Attendance.Stats(c.Request.Context(), c.Param("studentId"), c.Param("courseId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, st, "")
}
