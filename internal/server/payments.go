package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/marketpay/internal/payment/domain"
)

type checkoutRequest struct {
	BuyerID    string `json:"buyer_id"`
	BuyerEmail string `json:"buyer_email"`
	SellerID   string `json:"seller_id"`
	ProductID  string `json:"product_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Provider   string `json:"provider"`
}

func (s *Server) Checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	buyerID, err := parseRequiredSnowflakeID("buyer_id", req.BuyerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	sellerID, err := parseRequiredSnowflakeID("seller_id", req.SellerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	productID, err := parseRequiredSnowflakeID("product_id", req.ProductID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.paymentSvc.Checkout(c.Request.Context(), paymentdomain.CheckoutRequest{
		BuyerID:    buyerID,
		BuyerEmail: strings.TrimSpace(req.BuyerEmail),
		SellerID:   sellerID,
		ProductID:  productID,
		Amount:     req.Amount,
		Currency:   strings.ToUpper(strings.TrimSpace(req.Currency)),
		Provider:   strings.ToLower(strings.TrimSpace(req.Provider)),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

type confirmPaymentRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

func (s *Server) ConfirmPayment(c *gin.Context) {
	paymentID, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.paymentSvc.ConfirmPayment(c.Request.Context(), paymentID, strings.TrimSpace(req.PaymentMethodID))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetPayment(c *gin.Context) {
	paymentID, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.paymentSvc.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RequestRefund(c *gin.Context) {
	orderID, err := parsePathSnowflakeID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req paymentdomain.RefundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	req.OrderID = orderID
	req.Reason = strings.TrimSpace(req.Reason)

	refund, err := s.paymentSvc.RequestRefund(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": refund})
}

func parsePathSnowflakeID(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(c.Param(name))
	if err != nil || id == nil {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return *id, nil
}

func parseRequiredSnowflakeID(field, value string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(value)
	if err != nil {
		return 0, newValidationError(field, "invalid_"+field, "invalid "+field)
	}
	if id == nil {
		return 0, newValidationError(field, "required", field+" is required")
	}
	return *id, nil
}
