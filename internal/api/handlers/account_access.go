package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"fundingarb/internal/api/middleware"
	"fundingarb/internal/models"
	"fundingarb/internal/repository"
)

// authorizedAccount читает account id из path {id} и проверяет,
// что аккаунт принадлежит авторизованному пользователю
func authorizedAccount(w http.ResponseWriter, r *http.Request, accounts *repository.AccountRepository) (int, bool) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "no user in context")
		return 0, false
	}

	accountID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return 0, false
	}

	account, err := accounts.GetAccountByID(accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return 0, false
		}
		respondError(w, http.StatusInternalServerError, "load account: "+err.Error())
		return 0, false
	}

	if !ownsAccount(user, account) {
		respondError(w, http.StatusForbidden, "account belongs to another user")
		return 0, false
	}

	return accountID, true
}

func ownsAccount(user *models.User, account *models.Account) bool {
	if user.IsAdmin {
		return true
	}
	return account.UserID != nil && *account.UserID == user.ID
}
