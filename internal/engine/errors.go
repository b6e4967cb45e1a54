package engine

import "errors"

var (
	// ErrDuplicateBarcode is returned when adding a product whose barcode
	// already identifies a live product.
	ErrDuplicateBarcode = errors.New("a live product with this barcode already exists")

	// ErrProductNotFound is returned when a barcode resolves to no product.
	ErrProductNotFound = errors.New("product not found")

	// ErrInvalidProduct is returned when a product payload violates basic
	// constraints (missing barcode, negative price or stock).
	ErrInvalidProduct = errors.New("invalid product")

	// ErrInvalidQuantity is returned for non-positive cart quantities.
	ErrInvalidQuantity = errors.New("quantity must be at least 1")

	// ErrEmptyCart is returned when checking out an empty cart.
	ErrEmptyCart = errors.New("cart is empty")

	// ErrInsufficientStock is returned when a cart line requests more than
	// the available stock. Checkout validates every line before mutating
	// any state.
	ErrInsufficientStock = errors.New("insufficient stock")
)
