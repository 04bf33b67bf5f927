package echoapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/lecturelog/core/announcement"
)

func Test_announcementApi(t *testing.T) {
	s, app := setup(t)
	ctx := context.Background()
	admin := app.CreateAdmin(t, "Admin", "admin")
	ada := app.CreateStudent(t, "Ada", "cs101")
	bob := app.CreateStudent(t, "Bob", "cs102")
	adminToken, adaToken, bobToken := getToken(t, s, admin), getToken(t, s, ada), getToken(t, s, bob)

	create := func(na announcement.NewAnnouncement) announcement.Announcement {
		req, rec := newAuthRequest(http.MethodPost, "/v1/announcements", adminToken, marchallObj(t, na))
		s.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var a announcement.Announcement
		unmarshallObj(t, rec.Body.Bytes(), &a)
		return a
	}
	count := func(token string) int {
		req, rec := newAuthRequest(http.MethodGet, "/v1/announcements/unread-count", token)
		s.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp CountResponse
		unmarshallObj(t, rec.Body.Bytes(), &resp)
		return resp.Count
	}

	runHTTPTests(t, s, []httpTest{
		{name: "students cannot publish", method: http.MethodPost, path: "/v1/announcements", token: adaToken, body: marchallObj(t, announcement.NewAnnouncement{Message: "hi"}), wantCode: http.StatusForbidden},
		{
			name:     "unknown audience",
			method:   http.MethodPost,
			path:     "/v1/announcements",
			token:    adminToken,
			body:     marchallObj(t, announcement.NewAnnouncement{Message: "hi", Audience: "nobody"}),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"audience": announcement.ErrUnknownAudience.Error()}),
		},
	})

	all := create(announcement.NewAnnouncement{Message: "Exams start Monday"})
	direct := create(announcement.NewAnnouncement{Message: "See me", Audience: ada.ID})
	assert.Equal(t, announcement.AudienceAll, all.Audience)
	assert.Equal(t, "Ada (cs101)", direct.AudienceLabel)

	assert.Equal(t, 2, count(adaToken))
	assert.Equal(t, 1, count(bobToken))

	t.Run("query", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/announcements", bobToken)
		s.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var anns []announcement.Announcement
		unmarshallObj(t, rec.Body.Bytes(), &anns)
		require.Len(t, anns, 1)
		assert.Equal(t, all.ID, anns[0].ID)

		req, rec = newAuthRequest(http.MethodGet, "/v1/announcements", adminToken)
		s.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("mark read", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPost, "/v1/announcements/"+direct.ID+"/read", bobToken)
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, "not addressed to Bob")

		for i := 0; i < 2; i++ {
			req, rec = newAuthRequest(http.MethodPost, "/v1/announcements/"+direct.ID+"/read", adaToken)
			s.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusNoContent, rec.Code)
		}
		assert.Equal(t, 1, count(adaToken))
		got, err := app.AnnouncementSvc.Get(ctx, direct.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{ada.ID}, got.ReadBy)
	})

	t.Run("edit", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodPut, "/v1/announcements/"+all.ID, adminToken, marchallObj(t, announcement.EditAnnouncement{Message: "Exams start Tuesday"}))
		s.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var got announcement.Announcement
		unmarshallObj(t, rec.Body.Bytes(), &got)
		assert.Equal(t, "Exams start Tuesday", got.Message)
		assert.Equal(t, all.Timestamp, got.Timestamp)
	})

	t.Run("delete", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodDelete, "/v1/announcements/"+all.ID, adminToken)
		s.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)

		req, rec = newAuthRequest(http.MethodPut, "/v1/announcements/"+all.ID, adminToken, marchallObj(t, announcement.EditAnnouncement{Message: "late"}))
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
